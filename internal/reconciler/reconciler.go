// Package reconciler applies terminal scrape callbacks to persisted runs.
//
// Authenticity and payload checks happen before anything is written, so a
// rejected callback can be corrected and resent. Once the callback event is
// registered, downstream failures are logged and absorbed because the worker
// will not redeliver a registered event.
package reconciler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/dedup"
	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

var (
	// ErrUnauthorized is returned when bearer or signature checks fail.
	ErrUnauthorized = errors.New("callback unauthorized")
	// ErrInvalidPayload is returned when the payload is internally inconsistent.
	ErrInvalidPayload = errors.New("invalid callback payload")
)

// Submitter accepts newly linked offers for scoring.
type Submitter interface {
	Submit(req scrape.ScoreRequest) bool
}

// Config holds the authentication material and tunables.
type Config struct {
	Token          string
	SigningSecret  string
	Tolerance      time.Duration
	EventCacheSize int
	StoreAttempts  int
	StoreBackoff   time.Duration
	// ApplyTimeout bounds the writes that follow event registration. They
	// run detached from the request so a dropped connection cannot strand
	// a registered event on a RUNNING run.
	ApplyTimeout time.Duration
}

// Headers carries the request metadata used for authentication.
type Headers struct {
	Authorization string
	Signature     string
	Timestamp     string
	RequestID     string
}

// Response is returned to the worker on success or no-op.
type Response struct {
	OK         bool             `json:"ok"`
	Status     scrape.RunStatus `json:"status"`
	Inserted   int              `json:"inserted"`
	Idempotent bool             `json:"idempotent"`
	Message    string           `json:"message,omitempty"`
}

// Reconciler verifies callbacks and advances run state.
type Reconciler struct {
	runs   scrape.RunStore
	events scrape.EventStore
	offers scrape.OfferStore
	scorer Submitter
	hasher scrape.Hasher
	clock  scrape.Clock
	cfg    Config
	recent *lru.Cache[string, struct{}]
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Reconciler. scorer may be nil to disable fan-out.
func New(
	runs scrape.RunStore,
	events scrape.EventStore,
	offers scrape.OfferStore,
	scorer Submitter,
	hasher scrape.Hasher,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Reconciler, error) {
	if runs == nil || events == nil || offers == nil {
		return nil, errors.New("run, event and offer stores are required")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = callback.DefaultTolerance
	}
	if cfg.EventCacheSize <= 0 {
		cfg.EventCacheSize = 1024
	}
	if cfg.StoreAttempts <= 0 {
		cfg.StoreAttempts = 3
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 200 * time.Millisecond
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	recent, err := lru.New[string, struct{}](cfg.EventCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create event cache: %w", err)
	}
	return &Reconciler{
		runs:   runs,
		events: events,
		offers: offers,
		scorer: scorer,
		hasher: hasher,
		clock:  clock,
		cfg:    cfg,
		recent: recent,
		logger: logger.Named("reconciler"),
		sleep:  sleepContext,
	}, nil
}

// Accept processes one terminal callback.
func (r *Reconciler) Accept(ctx context.Context, p scrape.CallbackPayload, h Headers) (Response, error) {
	logger := r.logger.With(
		zap.String("source_run_id", p.SourceRunID),
		zap.String("event_id", p.EventID),
		zap.String("status", string(p.Status)),
		zap.String("request_id", h.RequestID),
	)

	if err := r.authenticate(p, h); err != nil {
		metrics.ObserveReconcile("unauthorized")
		logger.Warn("callback rejected", zap.Error(err))
		return Response{}, err
	}
	if err := validate(p); err != nil {
		metrics.ObserveReconcile("invalid")
		logger.Warn("callback rejected", zap.Error(err))
		return Response{}, err
	}

	run, err := r.runs.GetRun(ctx, p.SourceRunID)
	if err != nil {
		metrics.ObserveReconcile("error")
		return Response{}, fmt.Errorf("load run %s: %w", p.SourceRunID, err)
	}

	if p.EventID != "" {
		fresh, err := r.registerEvent(ctx, p)
		if err != nil {
			metrics.ObserveReconcile("error")
			return Response{}, err
		}
		if !fresh {
			metrics.ObserveReconcile("duplicate")
			logger.Info("duplicate callback ignored")
			return Response{OK: true, Status: run.Status, Idempotent: true, Message: "duplicate callback ignored"}, nil
		}
	}

	if run.Status.IsTerminal() {
		metrics.ObserveReconcile("terminal_noop")
		logger.Info("run already terminal; callback ignored", zap.String("stored_status", string(run.Status)))
		return Response{OK: true, Status: run.Status, Idempotent: true, Message: "run already terminal"}, nil
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ApplyTimeout)
	defer cancel()
	return r.apply(applyCtx, run, p, logger), nil
}

func (r *Reconciler) authenticate(p scrape.CallbackPayload, h Headers) error {
	if r.cfg.Token != "" {
		token, ok := bearerToken(h.Authorization)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.Token)) != 1 {
			return fmt.Errorf("%w: bearer token mismatch", ErrUnauthorized)
		}
	}
	if r.cfg.SigningSecret == "" {
		return nil
	}
	if p.EventID == "" {
		return fmt.Errorf("%w: eventId is required for signed callbacks", ErrUnauthorized)
	}
	if err := callback.Verify(r.cfg.SigningSecret, h.Signature, h.Timestamp, p, r.now(), r.cfg.Tolerance); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func validate(p scrape.CallbackPayload) error {
	if strings.TrimSpace(p.SourceRunID) == "" {
		return fmt.Errorf("%w: sourceRunId is required", ErrInvalidPayload)
	}
	if !p.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidPayload, p.Status)
	}
	switch p.Status {
	case scrape.RunFailed:
		if strings.TrimSpace(p.Error) == "" {
			return fmt.Errorf("%w: FAILED callback requires an error", ErrInvalidPayload)
		}
		if p.Items != nil {
			return fmt.Errorf("%w: FAILED callback must not carry items", ErrInvalidPayload)
		}
	case scrape.RunCompleted:
		if p.Error != "" {
			return fmt.Errorf("%w: COMPLETED callback must not carry an error", ErrInvalidPayload)
		}
	}
	if p.ScrapedCount != nil && p.ItemCount != nil && *p.ScrapedCount != *p.ItemCount {
		return fmt.Errorf("%w: scrapedCount %d disagrees with itemCount %d", ErrInvalidPayload, *p.ScrapedCount, *p.ItemCount)
	}
	if p.Items != nil && p.ScrapedCount != nil && len(p.Items) != *p.ScrapedCount {
		return fmt.Errorf("%w: %d items but scrapedCount %d", ErrInvalidPayload, len(p.Items), *p.ScrapedCount)
	}
	return nil
}

func (r *Reconciler) registerEvent(ctx context.Context, p scrape.CallbackPayload) (bool, error) {
	key := p.SourceRunID + "/" + p.EventID
	if r.recent.Contains(key) {
		return false, nil
	}
	inserted, err := r.events.RegisterEvent(ctx, scrape.CallbackEvent{
		SourceRunID: p.SourceRunID,
		EventID:     p.EventID,
		Status:      p.Status,
		ReceivedAt:  r.now(),
	})
	if err != nil {
		return false, fmt.Errorf("register callback event: %w", err)
	}
	r.recent.Add(key, struct{}{})
	return inserted, nil
}

// apply runs after the event is registered and never returns an error.
func (r *Reconciler) apply(ctx context.Context, run scrape.Run, p scrape.CallbackPayload, logger *zap.Logger) Response {
	completion := scrape.RunCompletion{
		Status:      p.Status,
		Error:       p.Error,
		FailureType: p.FailureType,
		CompletedAt: r.now(),
	}
	if p.CompletedAt != nil {
		completion.CompletedAt = *p.CompletedAt
	}
	if p.TotalFound != nil {
		completion.TotalFound = *p.TotalFound
	}
	switch {
	case p.ScrapedCount != nil:
		completion.ScrapedCount = *p.ScrapedCount
	case p.ItemCount != nil:
		completion.ScrapedCount = *p.ItemCount
	default:
		completion.ScrapedCount = len(p.Items)
	}

	var applied bool
	err := r.retry(ctx, func() error {
		var err error
		applied, err = r.runs.CompleteRun(ctx, run.ID, completion)
		return err
	})
	if err != nil {
		metrics.ObserveReconcile("error")
		logger.Error("completing run failed after registration", zap.Error(err))
		return Response{OK: true, Status: r.reloadStatus(ctx, run, logger), Message: "run update failed"}
	}
	if !applied {
		status := r.reloadStatus(ctx, run, logger)
		metrics.ObserveReconcile("terminal_noop")
		logger.Info("run became terminal concurrently; callback ignored", zap.String("stored_status", string(status)))
		return Response{OK: true, Status: status, Idempotent: true, Message: "run already terminal"}
	}

	metrics.ObserveReconcile("applied")
	resp := Response{OK: true, Status: p.Status}
	if p.Status != scrape.RunCompleted || len(p.Items) == 0 {
		logger.Info("run completed", zap.Int("scraped", completion.ScrapedCount))
		return resp
	}

	inserted := r.linkOffers(ctx, run, p.Items, logger)
	resp.Inserted = len(inserted)
	r.fanOut(run, inserted)
	logger.Info("run completed",
		zap.Int("scraped", completion.ScrapedCount),
		zap.Int("new_offers", len(inserted)),
	)
	return resp
}

func (r *Reconciler) linkOffers(ctx context.Context, run scrape.Run, items []scrape.Offer, logger *zap.Logger) []scrape.CanonicalOffer {
	collector := dedup.NewCollector(0, r.hasher)
	for _, item := range items {
		collector.Add(item)
	}
	canonical := collector.Items()
	if len(canonical) == 0 {
		return nil
	}

	var inserted []scrape.CanonicalOffer
	err := r.retry(ctx, func() error {
		var err error
		inserted, err = r.offers.LinkOffers(ctx, run.UserID, run.ID, canonical)
		return err
	})
	if err != nil {
		logger.Error("linking offers failed after registration", zap.Int("offers", len(canonical)), zap.Error(err))
		return nil
	}
	return inserted
}

func (r *Reconciler) fanOut(run scrape.Run, offers []scrape.CanonicalOffer) {
	if r.scorer == nil {
		return
	}
	for _, offer := range offers {
		r.scorer.Submit(scrape.ScoreRequest{UserID: run.UserID, RunID: run.ID, Offer: offer})
	}
}

func (r *Reconciler) reloadStatus(ctx context.Context, run scrape.Run, logger *zap.Logger) scrape.RunStatus {
	current, err := r.runs.GetRun(ctx, run.ID)
	if err != nil {
		logger.Warn("reload run failed", zap.Error(err))
		return run.Status
	}
	return current.Status
}

func (r *Reconciler) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.StoreAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.cfg.StoreAttempts {
			break
		}
		if sleepErr := r.sleep(ctx, r.cfg.StoreBackoff*time.Duration(attempt)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

func (r *Reconciler) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
