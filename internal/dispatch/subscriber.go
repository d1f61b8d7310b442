package dispatch

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/taskqueue"
)

// Submitter admits a dispatch into the worker's task queue.
type Submitter interface {
	Submit(ctx context.Context, env scrape.DispatchEnvelope) (scrape.DispatchAck, error)
}

// Subscriber feeds Pub/Sub messages into a Submitter.
type Subscriber struct {
	sub    *pubsub.Subscription
	submit Submitter
	logger *zap.Logger
}

// NewSubscriber builds a Subscriber.
func NewSubscriber(sub *pubsub.Subscription, submit Submitter, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, submit: submit, logger: logger.Named("subscriber")}
}

// Run receives until ctx is cancelled. Messages that cannot be decoded or are
// rejected as invalid are acked and dropped; a full queue nacks so the broker
// redelivers later.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.sub == nil {
		return errors.New("pubsub subscription is not configured")
	}
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive dispatches: %w", err)
	}
	return nil
}

// handle reports whether the message should be acked.
func (s *Subscriber) handle(ctx context.Context, msgID string, data []byte) bool {
	logger := s.logger.With(zap.String("message_id", msgID))
	env, _, err := scrape.DecodeDispatch(data)
	if err != nil {
		logger.Warn("dropping undecodable dispatch", zap.Error(err))
		return true
	}
	ack, err := s.submit.Submit(ctx, env)
	switch {
	case errors.Is(err, taskqueue.ErrQueueFull):
		logger.Warn("task queue full; message will be redelivered",
			zap.String("source_run_id", env.Payload.SourceRunID))
		return false
	case err != nil:
		logger.Error("submit dispatch failed", zap.Error(err))
		return false
	case !ack.OK:
		logger.Warn("dispatch rejected", zap.String("error", ack.Error),
			zap.String("source_run_id", env.Payload.SourceRunID))
		return true
	}
	logger.Info("dispatch accepted",
		zap.String("request_id", ack.RequestID),
		zap.String("source_run_id", ack.SourceRunID))
	return true
}
