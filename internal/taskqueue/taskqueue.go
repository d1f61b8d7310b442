// Package taskqueue runs scrape tasks from a bounded in-process FIFO with a cap
// on concurrent executions and a per-task timeout.
//
// Queue state is process-local: tasks still waiting when the process exits are
// lost and must be resubmitted by the caller.
package taskqueue

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

var (
	// ErrQueueFull is returned when the waiting list is at capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("task queue closed")
)

// Outcome labels how a task execution ended.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Task is one unit of work. Run must honour ctx; when it does not, the
// runner still frees the slot on timeout and discards the late result.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config controls capacity and timeouts.
type Config struct {
	MaxConcurrent int
	MaxQueued     int
	TaskTimeout   time.Duration
}

// Runner owns the waiting list and the active counter.
type Runner struct {
	cfg    Config
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	waiting []Task
	active  int
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Runner. Zero values fall back to one concurrent task, a
// waiting list ten times the concurrency, and a five minute timeout.
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = cfg.MaxConcurrent * 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:     cfg,
		logger:  logger.Named("taskqueue"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue appends task to the FIFO and starts it if a slot is free. The
// returned snapshot reflects the queue after the call, or the unchanged
// queue when the task was rejected.
func (r *Runner) Enqueue(task Task) (scrape.QueueStats, error) {
	if task.Run == nil {
		return r.Stats(), errors.New("enqueue: task has no run function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.statsLocked(), ErrClosed
	}
	if r.active >= r.cfg.MaxConcurrent && len(r.waiting) >= r.cfg.MaxQueued {
		metrics.ObserveTask("rejected")
		r.logger.Warn("task rejected; queue full",
			zap.String("task_id", task.ID),
			zap.Int("queued", len(r.waiting)),
			zap.Int("active", r.active),
		)
		return r.statsLocked(), ErrQueueFull
	}
	r.waiting = append(r.waiting, task)
	metrics.ObserveTask("enqueued")
	r.pumpLocked()
	return r.statsLocked(), nil
}

// Stats returns a snapshot of the queue.
func (r *Runner) Stats() scrape.QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Runner) statsLocked() scrape.QueueStats {
	return scrape.QueueStats{
		Queued:        len(r.waiting),
		Active:        r.active,
		MaxConcurrent: r.cfg.MaxConcurrent,
	}
}

// pumpLocked starts waiting tasks while slots are free. r.mu must be held.
func (r *Runner) pumpLocked() {
	for r.active < r.cfg.MaxConcurrent && len(r.waiting) > 0 {
		task := r.waiting[0]
		r.waiting[0] = Task{}
		r.waiting = r.waiting[1:]
		r.active++
		r.wg.Add(1)
		go r.execute(task)
	}
	metrics.SetQueueState(len(r.waiting), r.active)
}

func (r *Runner) execute(task Task) {
	defer r.wg.Done()

	outcome := r.runWithTimeout(task)
	metrics.ObserveTask(outcome)

	r.mu.Lock()
	r.active--
	if !r.closed {
		r.pumpLocked()
	} else {
		metrics.SetQueueState(len(r.waiting), r.active)
	}
	r.mu.Unlock()
}

func (r *Runner) runWithTimeout(task Task) string {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("task panic: %v", rec)
			}
		}()
		done <- task.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("task failed", zap.String("task_id", task.ID), zap.Error(err))
			return OutcomeFailed
		}
		return OutcomeCompleted
	case <-ctx.Done():
		r.logger.Warn("task abandoned after timeout",
			zap.String("task_id", task.ID),
			zap.Duration("timeout", r.cfg.TaskTimeout),
		)
		return OutcomeTimedOut
	}
}

// Close stops accepting tasks, drops the waiting list and waits for running
// tasks until ctx ends. Running tasks see their context cancelled when ctx
// expires first.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	dropped := len(r.waiting)
	r.waiting = nil
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Warn("dropping queued tasks on shutdown", zap.Int("dropped", dropped))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("close task queue: %w", ctx.Err())
	}
}
