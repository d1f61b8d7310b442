// Package worker admits dispatched scrape tasks into the task queue and hands
// them to the orchestrator when a slot frees up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/taskqueue"
)

// Handler executes one admitted task.
type Handler interface {
	Handle(ctx context.Context, task scrape.Task) error
}

// Queue is the subset of the task runner the service needs.
type Queue interface {
	Enqueue(task taskqueue.Task) (scrape.QueueStats, error)
	Stats() scrape.QueueStats
}

// Service validates dispatches and queues them.
type Service struct {
	queue   Queue
	handler Handler
	ids     scrape.IDGenerator
	logger  *zap.Logger
}

// New constructs a Service.
func New(queue Queue, handler Handler, ids scrape.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queue:   queue,
		handler: handler,
		ids:     ids,
		logger:  logger.Named("worker"),
	}
}

// Submit admits env. Invalid tasks yield a rejected ack and no error. A full
// queue yields a rejected ack with the queue snapshot and an error wrapping
// taskqueue.ErrQueueFull.
func (s *Service) Submit(_ context.Context, env scrape.DispatchEnvelope) (scrape.DispatchAck, error) {
	task := env.Payload
	task.RequestID = strings.TrimSpace(task.RequestID)
	if task.RequestID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return scrape.DispatchAck{}, fmt.Errorf("generate request id: %w", err)
		}
		task.RequestID = id
	}
	ack := scrape.DispatchAck{
		RequestID:   task.RequestID,
		RunID:       task.RunID,
		SourceRunID: task.SourceRunID,
	}
	logger := s.logger.With(
		zap.String("request_id", task.RequestID),
		zap.String("source_run_id", task.SourceRunID),
	)

	if env.Name != scrape.DispatchName {
		return rejected(ack, fmt.Sprintf("unsupported task name %q", env.Name)), nil
	}
	if err := task.Validate(); err != nil {
		logger.Info("dispatch rejected", zap.Error(err))
		return rejected(ack, err.Error()), nil
	}

	stats, err := s.queue.Enqueue(taskqueue.Task{
		ID: task.RequestID,
		Run: func(ctx context.Context) error {
			return s.handler.Handle(ctx, task)
		},
	})
	if err != nil {
		ack = rejected(ack, err.Error())
		ack.Queue = &stats
		if errors.Is(err, taskqueue.ErrQueueFull) {
			logger.Warn("dispatch rejected; queue full", zap.Int("queued", stats.Queued))
		}
		return ack, fmt.Errorf("enqueue task: %w", err)
	}

	logger.Info("dispatch accepted",
		zap.String("source", task.Source),
		zap.Int("queued", stats.Queued),
		zap.Int("active", stats.Active),
	)
	ack.OK = true
	ack.Status = scrape.AckAccepted
	ack.Queue = &stats
	return ack, nil
}

// Stats reports the current queue snapshot.
func (s *Service) Stats() scrape.QueueStats {
	return s.queue.Stats()
}

func rejected(ack scrape.DispatchAck, msg string) scrape.DispatchAck {
	ack.OK = false
	ack.Status = scrape.AckRejected
	ack.Error = msg
	return ack
}
