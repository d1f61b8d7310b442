// Package orchestrator drives one scrape task end to end: repeated crawl
// attempts with query relaxation, dedup, outcome classification and the
// terminal callback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/dedup"
	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Relaxer loosens a query for a source. ok is false when the source is not
// supported or nothing is left to relax.
type Relaxer interface {
	Relax(source string, q scrape.Query) (next scrape.Query, reason string, ok bool)
}

// Deliverer sends the terminal payload.
type Deliverer interface {
	Deliver(ctx context.Context, dest callback.Destination, payload scrape.CallbackPayload) callback.Result
}

// Config controls attempt bounds and callback defaults.
type Config struct {
	// JobTimeout bounds all attempts of one job together.
	JobTimeout time.Duration
	// ExtraAttempts is added to the limit to bound the attempt count.
	ExtraAttempts int
	DefaultLimit  int
	CallbackURL   string
	CallbackToken string
}

// Orchestrator executes scrape tasks.
type Orchestrator struct {
	executor  scrape.CrawlExecutor
	relaxer   Relaxer
	deliverer Deliverer
	hasher    scrape.Hasher
	ids       scrape.IDGenerator
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	executor scrape.CrawlExecutor,
	relaxer Relaxer,
	deliverer Deliverer,
	hasher scrape.Hasher,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.ExtraAttempts < 0 {
		cfg.ExtraAttempts = 0
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		executor:  executor,
		relaxer:   relaxer,
		deliverer: deliverer,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
	}
}

// Handle runs the task and delivers its terminal report. Errors never escape:
// failures become a FAILED payload and delivery problems end in the
// dead-letter store.
func (o *Orchestrator) Handle(ctx context.Context, task scrape.Task) error {
	payload := o.Scrape(ctx, task)
	metrics.ObserveScrapeJob(string(payload.Status), string(payload.FailureType))

	dest := callback.Destination{URL: task.CallbackURL, Token: task.CallbackToken}
	if dest.URL == "" {
		dest.URL = o.cfg.CallbackURL
	}
	if dest.Token == "" {
		dest.Token = o.cfg.CallbackToken
	}
	if dest.URL == "" {
		o.logger.Warn("no callback destination; terminal report discarded",
			zap.String("run_id", payload.RunID),
			zap.String("source_run_id", payload.SourceRunID),
			zap.String("status", string(payload.Status)),
		)
		return nil
	}
	if o.deliverer == nil {
		return errors.New("no callback deliverer configured")
	}
	// The task deadline may already have fired; the sender's own attempt
	// and request limits bound delivery instead.
	o.deliverer.Deliver(context.WithoutCancel(ctx), dest, payload)
	return nil
}

// Scrape performs the crawl loop and returns the terminal payload.
func (o *Orchestrator) Scrape(ctx context.Context, task scrape.Task) scrape.CallbackPayload {
	startedAt := o.now()
	logger := o.logger.With(
		zap.String("run_id", task.RunID),
		zap.String("source_run_id", task.SourceRunID),
		zap.String("source", task.Source),
	)

	payload := scrape.CallbackPayload{
		EventID:     o.newEventID(logger),
		SourceRunID: task.SourceRunID,
		RunID:       task.RunID,
		RequestID:   task.RequestID,
		Source:      task.Source,
		StartedAt:   scrape.TimePtr(startedAt),
	}

	limit := task.Limit
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	collector := dedup.NewCollector(limit, o.hasher)
	diag := &scrape.Diagnostics{}
	totalFound, runErr := o.crawlLoop(ctx, task, limit, collector, diag, logger)

	diag.DuplicatesDropped = collector.Duplicates()
	diag.InvalidDropped = collector.InvalidCount()
	payload.Diagnostics = diag
	payload.TotalFound = scrape.IntPtr(totalFound)
	payload.ScrapedCount = scrape.IntPtr(collector.Len())
	payload.CompletedAt = scrape.TimePtr(o.now())

	if runErr != nil {
		failure := Classify(runErr)
		payload.Status = scrape.RunFailed
		payload.Error = runErr.Error()
		payload.FailureType = failure
		payload.FailureCode = FailureCode(runErr, failure)
		logger.Warn("scrape job failed",
			zap.String("failure_type", string(failure)),
			zap.Int("attempts", diag.Attempts),
			zap.Error(runErr),
		)
		return payload
	}

	items := collector.Offers()
	payload.Status = scrape.RunCompleted
	payload.Items = items
	payload.ItemCount = scrape.IntPtr(len(items))
	logger.Info("scrape job completed",
		zap.Int("scraped", len(items)),
		zap.Int("total_found", totalFound),
		zap.Int("attempts", diag.Attempts),
		zap.Int("relaxations", len(diag.RelaxationTrail)),
	)
	return payload
}

func (o *Orchestrator) crawlLoop(
	ctx context.Context,
	task scrape.Task,
	limit int,
	collector *dedup.Collector,
	diag *scrape.Diagnostics,
	logger *zap.Logger,
) (int, error) {
	if err := task.Validate(); err != nil {
		return 0, err
	}
	if o.executor == nil {
		return 0, scrape.NewError(scrape.FailureValidation, "no crawl executor configured", nil)
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	query := task.Filters.Clone()
	maxAttempts := limit + o.cfg.ExtraAttempts
	totalFound := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		diag.Attempts = attempt
		res, err := o.crawl(jobCtx, scrape.CrawlRequest{
			RunID:       task.RunID,
			SourceRunID: task.SourceRunID,
			Source:      task.Source,
			ListingURL:  task.ListingURL,
			Query:       query.Clone(),
			Budget:      limit - collector.Len(),
			Attempt:     attempt,
			SkipKeys:    collector.SkipKeys(),
		})
		if err != nil {
			return totalFound, err
		}

		totalFound += len(res.Items)
		diag.BlockedPages += res.BlockedPages
		diag.DiscoveredLinks += res.DiscoveredLinks
		added := 0
		for _, item := range res.Items {
			if outcome, _ := collector.Add(item); outcome == dedup.Added {
				added++
			}
		}
		logger.Debug("crawl attempt finished",
			zap.Int("attempt", attempt),
			zap.Int("returned", len(res.Items)),
			zap.Int("added", added),
			zap.Bool("zero_results", res.ZeroResults),
		)

		if collector.Full() {
			return totalFound, nil
		}
		if res.ZeroResults {
			if o.relaxer == nil || attempt == maxAttempts {
				return totalFound, nil
			}
			next, reason, ok := o.relaxer.Relax(task.Source, query)
			if !ok {
				logger.Info("relaxation exhausted", zap.Int("attempt", attempt))
				return totalFound, nil
			}
			diag.RelaxationTrail = append(diag.RelaxationTrail, scrape.RelaxationStep{
				Attempt: attempt,
				Reason:  reason,
				Filters: next.Clone(),
			})
			metrics.ObserveRelaxation(task.Source)
			logger.Info("relaxed query", zap.Int("attempt", attempt), zap.String("reason", reason))
			query = next
			continue
		}
		if added == 0 {
			return totalFound, nil
		}
	}
	return totalFound, nil
}

// crawl races one executor call against the job deadline. A late result is
// discarded; the executor sees ctx cancelled and should stop on its own.
func (o *Orchestrator) crawl(ctx context.Context, req scrape.CrawlRequest) (scrape.CrawlResult, error) {
	type outcome struct {
		res scrape.CrawlResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("crawl executor panic: %v", rec)}
			}
		}()
		res, err := o.executor.Crawl(ctx, req)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return scrape.CrawlResult{}, contextFailure(ctx)
		}
		return out.res, out.err
	case <-ctx.Done():
		return scrape.CrawlResult{}, contextFailure(ctx)
	}
}

func contextFailure(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return scrape.NewError(scrape.FailureTimeout, "scrape job timed out", ctx.Err())
	}
	return scrape.NewError(scrape.FailureUnknown, "scrape job canceled", ctx.Err())
}

func (o *Orchestrator) newEventID(logger *zap.Logger) string {
	if o.ids == nil {
		return ""
	}
	id, err := o.ids.NewID()
	if err != nil {
		logger.Warn("event id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}
