// Package runs is the controller-side run service: it records a PENDING run,
// dispatches it to a worker and tracks the acknowledgement.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation. No run
	// is created.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrDispatch is returned when the worker rejected the task or could not
	// be reached. The run has been moved to FAILED.
	ErrDispatch = errors.New("dispatch failed")
)

// RunRequest is a user's ask for a scrape.
type RunRequest struct {
	UserID     string       `json:"userId"`
	Source     string       `json:"source"`
	ListingURL string       `json:"listingUrl,omitempty"`
	Filters    scrape.Query `json:"filters,omitempty"`
	Limit      int          `json:"limit,omitempty"`
}

// Config carries dispatch defaults.
type Config struct {
	// CallbackURL is where workers report terminal results.
	CallbackURL   string
	CallbackToken string
	DefaultLimit  int
	// DispatchTimeout bounds one dispatch call.
	DispatchTimeout time.Duration
}

// Service creates and dispatches runs.
type Service struct {
	store      scrape.RunStore
	dispatcher scrape.Dispatcher
	ids        scrape.IDGenerator
	clock      scrape.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Service.
func New(
	store scrape.RunStore,
	dispatcher scrape.Dispatcher,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("runs"),
	}
}

// Request validates req, persists a PENDING run and dispatches it. On an
// accepted ack the run moves to RUNNING. A rejected ack or transport failure
// moves it to FAILED and returns the run with an error wrapping ErrDispatch.
func (s *Service) Request(ctx context.Context, req RunRequest) (scrape.Run, error) {
	if err := validate(req); err != nil {
		return scrape.Run{}, err
	}
	runID, err := s.ids.NewID()
	if err != nil {
		return scrape.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	requestID, err := s.ids.NewID()
	if err != nil {
		return scrape.Run{}, fmt.Errorf("generate request id: %w", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	run := scrape.Run{
		ID:         runID,
		UserID:     strings.TrimSpace(req.UserID),
		Source:     strings.ToLower(strings.TrimSpace(req.Source)),
		ListingURL: strings.TrimSpace(req.ListingURL),
		Filters:    req.Filters.Clone(),
		Limit:      limit,
		RequestID:  requestID,
		Status:     scrape.RunPending,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return scrape.Run{}, fmt.Errorf("create run: %w", err)
	}
	logger := s.logger.With(zap.String("run_id", run.ID), zap.String("request_id", requestID))

	env := scrape.DispatchEnvelope{
		Name: scrape.DispatchName,
		Payload: scrape.Task{
			Source:        run.Source,
			RunID:         run.ID,
			SourceRunID:   run.ID,
			RequestID:     requestID,
			CallbackURL:   s.cfg.CallbackURL,
			CallbackToken: s.cfg.CallbackToken,
			ListingURL:    run.ListingURL,
			Limit:         run.Limit,
			Filters:       run.Filters,
		},
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	ack, err := s.dispatcher.Dispatch(dispatchCtx, env)
	cancel()

	switch {
	case err != nil:
		logger.Warn("dispatch failed", zap.Error(err))
		return s.fail(ctx, run, scrape.FailureNetwork, err.Error())
	case !ack.OK:
		reason := ack.Error
		if reason == "" {
			reason = "worker rejected task"
		}
		logger.Warn("dispatch rejected", zap.String("reason", reason))
		failure := scrape.FailureValidation
		if ack.Queue != nil {
			failure = scrape.FailureNetwork
		}
		return s.fail(ctx, run, failure, reason)
	}

	if _, err := s.store.MarkRunning(ctx, run.ID, s.clock.Now().UTC()); err != nil {
		logger.Error("mark run running", zap.Error(err))
	}
	logger.Info("run dispatched", zap.String("source", run.Source), zap.Int("limit", run.Limit))
	return s.reload(ctx, run), nil
}

// Get returns the persisted run.
func (s *Service) Get(ctx context.Context, id string) (scrape.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *Service) fail(ctx context.Context, run scrape.Run, failure scrape.FailureType, reason string) (scrape.Run, error) {
	_, err := s.store.CompleteRun(ctx, run.ID, scrape.RunCompletion{
		Status:      scrape.RunFailed,
		Error:       reason,
		FailureType: failure,
		CompletedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("fail undispatched run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return s.reload(ctx, run), fmt.Errorf("%w: %s", ErrDispatch, reason)
}

func (s *Service) reload(ctx context.Context, run scrape.Run) scrape.Run {
	fresh, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		return run
	}
	return fresh
}

func validate(req RunRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if req.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ListingURL) == "" {
		if err := req.Filters.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}
