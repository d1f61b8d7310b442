// Package app builds the long-lived services of the worker and controller
// processes from configuration and runs their HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/config"
	"github.com/JakeFAU/jobscout/internal/deadletter"
	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// closer releases one resource during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type closers []closer

func (cs *closers) add(name string, fn func(ctx context.Context) error) {
	*cs = append(*cs, closer{name: name, fn: fn})
}

// closeAll runs closers in reverse order of registration.
func (cs closers) closeAll(ctx context.Context, logger *zap.Logger) {
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].fn(ctx); err != nil {
			logger.Warn("close failed", zap.String("resource", cs[i].name), zap.Error(err))
		}
	}
}

// serve runs an http.Server on port until ctx is done, then shuts it down.
func serve(ctx context.Context, port int, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func newPubSubClient(ctx context.Context, cfg config.Config, cs *closers, opts []option.ClientOption) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	cs.add("pubsub client", func(context.Context) error { return client.Close() })
	return client, nil
}

func buildDeadLetters(ctx context.Context, cfg config.Config, cs *closers, opts []option.ClientOption, logger *zap.Logger) (scrape.DeadLetterStore, error) {
	switch cfg.DeadLetter.Backend {
	case config.DeadLetterGCS:
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		cs.add("gcs client", func(context.Context) error { return client.Close() })
		store, err := deadletter.NewGCS(client, cfg.DeadLetter.Bucket, cfg.DeadLetter.Prefix)
		if err != nil {
			return nil, fmt.Errorf("gcs dead-letter store init failed: %w", err)
		}
		logger.Info("using GCS dead-letter backend", zap.String("bucket", cfg.DeadLetter.Bucket))
		return store, nil
	default:
		store, err := deadletter.NewLocal(cfg.DeadLetter.Dir)
		if err != nil {
			return nil, fmt.Errorf("local dead-letter store init failed: %w", err)
		}
		logger.Info("using local dead-letter backend", zap.String("dir", cfg.DeadLetter.Dir))
		return store, nil
	}
}

func buildSender(cfg config.Config, deadLetters scrape.DeadLetterStore, clock scrape.Clock, logger *zap.Logger) *callback.Sender {
	return callback.NewSender(telemetry.Client(nil), deadLetters, clock, callback.Config{
		Policy: callback.RetryPolicy{
			MaxAttempts: cfg.Callback.MaxAttempts,
			BaseDelay:   config.Millis(cfg.Callback.BaseBackoffMs),
			MaxDelay:    config.Millis(cfg.Callback.MaxBackoffMs),
			JitterPct:   cfg.Callback.JitterPct,
		},
		SigningSecret:  cfg.Callback.SigningSecret,
		RequestTimeout: config.Seconds(cfg.Callback.RequestTimeoutSeconds),
	}, logger)
}

// initTracing installs the tracer provider for service when tracing is on.
func initTracing(ctx context.Context, cfg config.Config, service string, cs *closers) error {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: service,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	cs.add("tracer provider", shutdown)
	return nil
}

// Replayer builds a standalone dead-letter replayer. The returned function
// releases the clients it opened.
func Replayer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...option.ClientOption) (*callback.Replayer, func(), error) {
	var cs closers
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cs.closeAll(ctx, logger)
	}
	deadLetters, err := buildDeadLetters(ctx, cfg, &cs, opts, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	sender := buildSender(cfg, deadLetters, systemClock(), logger)
	return callback.NewReplayer(deadLetters, sender, logger), release, nil
}
