// Package autoscore fans newly linked offers out to a Scorer through a fixed
// pool of workers draining a shared queue.
package autoscore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Config sizes the pool.
type Config struct {
	PoolSize    int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Pool scores offers asynchronously. Failures are logged and never surfaced
// to the submitter.
type Pool struct {
	scorer scrape.Scorer
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan scrape.ScoreRequest
	wg     sync.WaitGroup
}

// NewPool starts cfg.PoolSize workers.
func NewPool(scorer scrape.Scorer, cfg Config, logger *zap.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		scorer:  scorer,
		cfg:     cfg,
		logger:  logger.Named("autoscore"),
		sleep:   sleepContext,
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(chan scrape.ScoreRequest, cfg.QueueSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues req. It reports false when the queue is full or closed.
func (p *Pool) Submit(req scrape.ScoreRequest) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- req:
		return true
	default:
		metrics.ObserveAutoscore("dropped")
		p.logger.Warn("autoscore queue full; offer not scored",
			zap.String("user_id", req.UserID),
			zap.String("offer_key", req.Offer.Key),
		)
		return false
	}
}

// Close stops accepting work and waits for queued requests to drain. When ctx
// ends first, in-flight scoring is canceled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("close autoscore pool: %w", ctx.Err())
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for req := range p.jobs {
		p.score(req)
	}
}

func (p *Pool) score(req scrape.ScoreRequest) {
	logger := p.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("run_id", req.RunID),
		zap.String("offer_key", req.Offer.Key),
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err := p.scoreOnce(req)
		if err == nil {
			metrics.ObserveAutoscore("scored")
			return
		}
		logger.Warn("autoscore attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(p.baseCtx, p.cfg.Backoff*time.Duration(attempt)); err != nil {
			break
		}
	}
	metrics.ObserveAutoscore("failed")
}

func (p *Pool) scoreOnce(req scrape.ScoreRequest) (err error) {
	if p.scorer == nil {
		return errors.New("no scorer configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scorer panic: %v", rec)
		}
	}()
	return p.scorer.Score(p.baseCtx, req)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
