package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

const maxLoggedBody = 512

// Destination is where a payload is delivered and the bearer token to use.
type Destination struct {
	URL   string
	Token string
}

// StatusError reports a non-2xx callback response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback responded %d: %s", e.StatusCode, e.Body)
}

// Config controls signing and retries.
type Config struct {
	Policy         RetryPolicy
	SigningSecret  string
	RequestTimeout time.Duration
}

// Result summarises one Deliver call.
type Result struct {
	Delivered    bool
	Attempts     int
	DeadLetterID string
	LastError    error
}

// Sender posts signed callback payloads.
type Sender struct {
	client      *http.Client
	deadLetters scrape.DeadLetterStore
	clock       scrape.Clock
	cfg         Config
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewSender wires a Sender. deadLetters may be nil, in which case exhausted
// deliveries are only logged.
func NewSender(client *http.Client, deadLetters scrape.DeadLetterStore, clock scrape.Clock, cfg Config, logger *zap.Logger) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	cfg.Policy = cfg.Policy.normalized()
	return &Sender{
		client:      client,
		deadLetters: deadLetters,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.Named("callback"),
		sleep:       sleepContext,
	}
}

// Deliver sends payload with retries. Failures never propagate: after the
// last attempt the payload is written to the dead-letter store.
func (s *Sender) Deliver(ctx context.Context, dest Destination, payload scrape.CallbackPayload) Result {
	logger := s.logger.With(
		zap.String("source_run_id", payload.SourceRunID),
		zap.String("run_id", payload.RunID),
		zap.String("event_id", payload.EventID),
	)
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.cfg.Policy.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = s.Send(ctx, dest, payload)
		if lastErr == nil {
			logger.Info("callback delivered", zap.Int("attempt", attempt))
			return Result{Delivered: true, Attempts: attempt}
		}
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Error(lastErr)}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) {
			fields = append(fields, zap.Int("status", statusErr.StatusCode), zap.String("body", statusErr.Body))
		}
		logger.Warn("callback attempt failed", fields...)

		if attempt == s.cfg.Policy.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.Policy.NextDelay(attempt)); err != nil {
			lastErr = fmt.Errorf("callback retry aborted: %w", err)
			break
		}
	}

	id := s.deadLetter(ctx, dest, payload, lastErr, attempts, logger)
	return Result{Attempts: attempts, DeadLetterID: id, LastError: lastErr}
}

func (s *Sender) deadLetter(ctx context.Context, dest Destination, payload scrape.CallbackPayload, cause error, attempts int, logger *zap.Logger) string {
	if s.deadLetters == nil {
		logger.Error("callback undeliverable; no dead-letter store configured", zap.Error(cause))
		metrics.ObserveDeadLetter("write_failed")
		return ""
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	entry := scrape.DeadLetterEntry{
		Destination: dest.URL,
		Token:       dest.Token,
		Payload:     payload,
		Reason:      reason,
		Attempts:    attempts,
		CreatedAt:   s.now(),
	}
	id, err := s.deadLetters.Put(context.WithoutCancel(ctx), entry)
	if err != nil {
		logger.Error("dead-letter write failed; callback dropped", zap.Error(err), zap.String("reason", reason))
		metrics.ObserveDeadLetter("write_failed")
		return ""
	}
	logger.Error("callback dead-lettered",
		zap.String("dead_letter_id", id),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)
	metrics.ObserveDeadLetter("written")
	return id
}

// Send performs exactly one signed delivery attempt.
func (s *Sender) Send(ctx context.Context, dest Destination, payload scrape.CallbackPayload) error {
	if strings.TrimSpace(dest.URL) == "" {
		metrics.ObserveCallbackAttempt("transport_error")
		return errors.New("callback url is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveCallbackAttempt("transport_error")
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if payload.RequestID != "" {
		req.Header.Set(HeaderRequestID, payload.RequestID)
	}
	if dest.Token != "" {
		req.Header.Set("Authorization", "Bearer "+dest.Token)
	}
	if s.cfg.SigningSecret != "" {
		ts := Timestamp(s.now())
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(s.cfg.SigningSecret, ts, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveCallbackAttempt("transport_error")
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		metrics.ObserveCallbackAttempt("http_error")
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	metrics.ObserveCallbackAttempt("success")
	return nil
}

func (s *Sender) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
