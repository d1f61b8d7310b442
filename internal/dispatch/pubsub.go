package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Message attribute keys set on published envelopes.
const (
	AttrRequestID   = "request_id"
	AttrSourceRunID = "source_run_id"
	AttrTaskName    = "task_name"
)

// Publisher dispatches envelopes through a Pub/Sub topic. Acceptance here only
// means the broker stored the message; queue admission happens on the worker.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher wraps topic.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Dispatch publishes env and waits for the server-assigned message id.
func (p *Publisher) Dispatch(ctx context.Context, env scrape.DispatchEnvelope) (scrape.DispatchAck, error) {
	if p.topic == nil {
		return scrape.DispatchAck{}, errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("marshal dispatch: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrTaskName: env.Name,
		},
	}
	if env.Payload.RequestID != "" {
		msg.Attributes[AttrRequestID] = env.Payload.RequestID
	}
	if env.Payload.SourceRunID != "" {
		msg.Attributes[AttrSourceRunID] = env.Payload.SourceRunID
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("publish dispatch: %w", err)
	}
	return scrape.DispatchAck{
		OK:          true,
		Status:      scrape.AckAccepted,
		RequestID:   env.Payload.RequestID,
		RunID:       env.Payload.RunID,
		SourceRunID: env.Payload.SourceRunID,
	}, nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
