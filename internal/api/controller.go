package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/reconciler"
	"github.com/JakeFAU/jobscout/internal/runs"
	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/telemetry"
)

// RunService creates and reads runs.
type RunService interface {
	Request(ctx context.Context, req runs.RunRequest) (scrape.Run, error)
	Get(ctx context.Context, id string) (scrape.Run, error)
}

// CallbackAcceptor applies terminal callbacks.
type CallbackAcceptor interface {
	Accept(ctx context.Context, p scrape.CallbackPayload, h reconciler.Headers) (reconciler.Response, error)
}

// ControllerConfig configures the controller router.
type ControllerConfig struct {
	// APIKey guards the run endpoints. Callbacks authenticate with their own
	// bearer token and signature.
	APIKey         string
	RequestTimeout time.Duration
}

// ControllerServer serves the controller API.
type ControllerServer struct {
	router     chi.Router
	runs       RunService
	reconciler CallbackAcceptor
	logger     *zap.Logger
}

// NewControllerServer builds the controller router.
func NewControllerServer(runSvc RunService, rec CallbackAcceptor, cfg ControllerConfig, logger *zap.Logger) *ControllerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &ControllerServer{runs: runSvc, reconciler: rec, logger: logger.Named("controller_api")}

	r := chi.NewRouter()
	r.Use(telemetry.Middleware("jobscout-controller"))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/callbacks/scrape", s.acceptCallback)
		r.Group(func(r chi.Router) {
			r.Use(apiKeyMiddleware(cfg.APIKey))
			r.Post("/scrape-runs", s.createRun)
			r.Get("/scrape-runs/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *ControllerServer) Handler() http.Handler {
	return s.router
}

func (s *ControllerServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ControllerServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req runs.RunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.runs.Request(r.Context(), req)
	switch {
	case errors.Is(err, runs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runs.ErrDispatch):
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error(), "run": run})
	case err != nil:
		s.logger.Error("create run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create run failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "run": run})
	}
}

func (s *ControllerServer) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "run_id"))
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *ControllerServer) acceptCallback(w http.ResponseWriter, r *http.Request) {
	var payload scrape.CallbackPayload
	body, err := io.ReadAll(io.LimitReader(r.Body, 8*maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	headers := reconciler.Headers{
		Authorization: r.Header.Get("Authorization"),
		Signature:     r.Header.Get(callback.HeaderSignature),
		Timestamp:     r.Header.Get(callback.HeaderTimestamp),
		RequestID:     r.Header.Get(callback.HeaderRequestID),
	}
	resp, err := s.reconciler.Accept(r.Context(), payload, headers)
	switch {
	case errors.Is(err, reconciler.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, reconciler.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("accept callback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "callback processing failed")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}
