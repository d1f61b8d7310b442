package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/taskqueue"
	"github.com/JakeFAU/jobscout/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// DispatchService admits dispatched tasks on the worker.
type DispatchService interface {
	Submit(ctx context.Context, env scrape.DispatchEnvelope) (scrape.DispatchAck, error)
	Stats() scrape.QueueStats
}

// Replayer re-sends dead-lettered callbacks.
type Replayer interface {
	Replay(ctx context.Context) (callback.ReplayReport, error)
}

// WorkerConfig configures the worker router.
type WorkerConfig struct {
	APIKey         string
	RequestTimeout time.Duration
}

// WorkerServer serves the worker API.
type WorkerServer struct {
	router   chi.Router
	svc      DispatchService
	replayer Replayer
	logger   *zap.Logger
}

// NewWorkerServer builds the worker router. replayer may be nil, in which
// case the replay route answers 503.
func NewWorkerServer(svc DispatchService, replayer Replayer, cfg WorkerConfig, logger *zap.Logger) *WorkerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &WorkerServer{svc: svc, replayer: replayer, logger: logger.Named("worker_api")}

	r := chi.NewRouter()
	r.Use(telemetry.Middleware("jobscout-worker"))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(cfg.APIKey))
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Post("/tasks", s.submitTask)
		r.Post("/callbacks/replay", s.replay)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *WorkerServer) Handler() http.Handler {
	return s.router
}

func (s *WorkerServer) health(w http.ResponseWriter, _ *http.Request) {
	stats := s.svc.Stats()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queue": stats})
}

func (s *WorkerServer) submitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	env, shape, err := scrape.DecodeDispatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, scrape.DispatchAck{
			Status: scrape.AckRejected,
			Error:  err.Error(),
		})
		return
	}
	if shape == scrape.ShapeLegacy {
		s.logger.Debug("legacy dispatch payload accepted", zap.String("request_id", RequestID(r.Context())))
	}
	if env.Payload.RequestID == "" {
		env.Payload.RequestID = RequestID(r.Context())
	}

	ack, err := s.svc.Submit(r.Context(), env)
	switch {
	case errors.Is(err, taskqueue.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, ack)
	case errors.Is(err, taskqueue.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, ack)
	case err != nil:
		s.logger.Error("submit task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit task failed")
	default:
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func (s *WorkerServer) replay(w http.ResponseWriter, r *http.Request) {
	if s.replayer == nil {
		writeError(w, http.StatusServiceUnavailable, "replay not configured")
		return
	}
	report, err := s.replayer.Replay(r.Context())
	if err != nil {
		s.logger.Error("replay failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"total":  report.Total,
		"sent":   report.Sent,
		"failed": report.Failed,
	})
}
