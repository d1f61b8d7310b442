package scrape

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DispatchName is the only task name accepted by the worker.
const DispatchName = "scrape:source"

// Ack statuses returned to dispatch callers.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// ErrInvalidDispatch is returned when a dispatch body matches no known shape.
var ErrInvalidDispatch = errors.New("invalid dispatch request")

// Task is the payload of a dispatch request.
type Task struct {
	Source        string `json:"source"`
	RunID         string `json:"runId,omitempty"`
	SourceRunID   string `json:"sourceRunId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
	CallbackToken string `json:"callbackToken,omitempty"`
	ListingURL    string `json:"listingUrl,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Filters       Query  `json:"filters,omitempty"`
}

// Validate checks the fields a worker needs before it may queue the task.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Source) == "" {
		return NewError(FailureValidation, "source is required", nil)
	}
	if t.Limit < 0 {
		return NewError(FailureValidation, "limit must not be negative", nil)
	}
	if strings.TrimSpace(t.ListingURL) == "" {
		if err := t.Filters.Validate(); err != nil {
			return NewError(FailureValidation, "filters or listingUrl required", err)
		}
	}
	return nil
}

// DispatchEnvelope is the canonical dispatch body.
type DispatchEnvelope struct {
	Name    string `json:"name"`
	Payload Task   `json:"payload"`
}

// DispatchAck is the worker's immediate answer to a dispatch.
type DispatchAck struct {
	OK          bool        `json:"ok"`
	Status      string      `json:"status"`
	RequestID   string      `json:"requestId,omitempty"`
	RunID       string      `json:"runId,omitempty"`
	SourceRunID string      `json:"sourceRunId,omitempty"`
	Error       string      `json:"error,omitempty"`
	Queue       *QueueStats `json:"queue,omitempty"`
}

// DispatchShape names which schema a dispatch body matched.
type DispatchShape int

// Recognised dispatch shapes.
const (
	ShapeEnvelope DispatchShape = iota + 1
	ShapeLegacy
)

// DecodeDispatch decodes a dispatch body. The strict envelope schema is tried
// first, then the strict bare legacy payload; anything else is rejected.
func DecodeDispatch(data []byte) (DispatchEnvelope, DispatchShape, error) {
	var env DispatchEnvelope
	if err := decodeStrict(data, &env); err == nil {
		if env.Name != DispatchName {
			return DispatchEnvelope{}, 0, fmt.Errorf("%w: unsupported task name %q", ErrInvalidDispatch, env.Name)
		}
		return env, ShapeEnvelope, nil
	}

	var task Task
	if err := decodeStrict(data, &task); err != nil {
		return DispatchEnvelope{}, 0, fmt.Errorf("%w: %v", ErrInvalidDispatch, err)
	}
	return DispatchEnvelope{Name: DispatchName, Payload: task}, ShapeLegacy, nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return errors.New("decode: trailing data")
	}
	return nil
}
