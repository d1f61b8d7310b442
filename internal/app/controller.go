package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/jobscout/internal/api"
	"github.com/JakeFAU/jobscout/internal/autoscore"
	"github.com/JakeFAU/jobscout/internal/config"
	"github.com/JakeFAU/jobscout/internal/dispatch"
	"github.com/JakeFAU/jobscout/internal/hash/sha256"
	"github.com/JakeFAU/jobscout/internal/id/uuid"
	"github.com/JakeFAU/jobscout/internal/reconciler"
	"github.com/JakeFAU/jobscout/internal/runs"
	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/store/memory"
	"github.com/JakeFAU/jobscout/internal/store/postgres"
	"github.com/JakeFAU/jobscout/internal/store/sqlite"
	"github.com/JakeFAU/jobscout/internal/telemetry"
)

// Store is the persistence the controller needs.
type Store interface {
	scrape.RunStore
	scrape.EventStore
	scrape.OfferStore
}

// Controller holds the services of the controller process.
type Controller struct {
	cfg        config.Config
	logger     *zap.Logger
	store      Store
	runs       *runs.Service
	reconciler *reconciler.Reconciler
	server     *api.ControllerServer
	closers    closers
}

// BuildController wires the controller from cfg. opts are passed to Google
// Cloud clients.
func BuildController(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...option.ClientOption) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{cfg: cfg, logger: logger}
	fail := func(err error) (*Controller, error) {
		c.closers.closeAll(context.Background(), logger)
		return nil, err
	}

	if err := initTracing(ctx, cfg, "jobscout-controller", &c.closers); err != nil {
		return fail(err)
	}
	clock := systemClock()
	store, err := c.buildStore(ctx)
	if err != nil {
		return fail(err)
	}
	c.store = store

	dispatcher, err := c.buildDispatcher(ctx, opts)
	if err != nil {
		return fail(err)
	}

	var scorer reconciler.Submitter
	if cfg.Autoscore.Enabled {
		httpScorer, err := autoscore.NewHTTPScorer(telemetry.Client(&http.Client{Timeout: config.Seconds(cfg.Callback.RequestTimeoutSeconds)}),
			cfg.Autoscore.URL, cfg.Autoscore.Token)
		if err != nil {
			return fail(fmt.Errorf("autoscore client init failed: %w", err))
		}
		pool := autoscore.NewPool(httpScorer, autoscore.Config{
			PoolSize:    cfg.Autoscore.PoolSize,
			QueueSize:   cfg.Autoscore.QueueSize,
			MaxAttempts: cfg.Autoscore.MaxAttempts,
			Backoff:     config.Millis(cfg.Autoscore.BackoffMs),
		}, logger)
		c.closers.add("autoscore pool", pool.Close)
		scorer = pool
	}

	c.reconciler, err = reconciler.New(store, store, store, scorer, sha256.New(), clock, reconciler.Config{
		Token:          cfg.Callback.Token,
		SigningSecret:  cfg.Callback.SigningSecret,
		Tolerance:      cfg.CallbackTolerance(),
		EventCacheSize: cfg.Reconciler.EventCacheSize,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("reconciler init failed: %w", err))
	}

	c.runs = runs.New(store, dispatcher, uuid.New(), clock, runs.Config{
		CallbackURL:   cfg.Callback.URL,
		CallbackToken: cfg.Callback.Token,
		DefaultLimit:  cfg.Scrape.DefaultLimit,
	}, logger)
	c.server = api.NewControllerServer(c.runs, c.reconciler, api.ControllerConfig{APIKey: cfg.Auth.APIKey}, logger)
	return c, nil
}

func (c *Controller) buildStore(ctx context.Context) (Store, error) {
	switch c.cfg.Store.Backend {
	case config.StorePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      c.cfg.Store.DSN,
			Schema:   c.cfg.Store.Schema,
			MaxConns: c.cfg.Store.MaxConns,
			MinConns: c.cfg.Store.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		c.closers.add("postgres store", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		c.logger.Info("using postgres store", zap.String("schema", c.cfg.Store.Schema))
		return store, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, c.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		c.closers.add("sqlite store", func(context.Context) error { return store.Close() })
		c.logger.Info("using sqlite store", zap.String("path", c.cfg.Store.SQLitePath))
		return store, nil
	default:
		c.logger.Warn("using in-memory store; runs are lost on restart")
		return memory.New(), nil
	}
}

func (c *Controller) buildDispatcher(ctx context.Context, opts []option.ClientOption) (scrape.Dispatcher, error) {
	if c.cfg.Queue.Provider == config.ProviderPubSub {
		if c.cfg.PubSub.Topic == "" {
			return nil, errors.New("pubsub.topic is required for the controller")
		}
		client, err := newPubSubClient(ctx, c.cfg, &c.closers, opts)
		if err != nil {
			return nil, err
		}
		pub := dispatch.NewPublisher(client.Topic(c.cfg.PubSub.Topic))
		c.closers.add("pubsub publisher", func(context.Context) error {
			pub.Stop()
			return nil
		})
		c.logger.Info("dispatching through pubsub", zap.String("topic", c.cfg.PubSub.Topic))
		return pub, nil
	}
	if c.cfg.Worker.URL == "" {
		return nil, errors.New("worker.url is required for http dispatch")
	}
	c.logger.Info("dispatching over http", zap.String("worker_url", c.cfg.Worker.URL))
	return dispatch.NewHTTP(telemetry.Client(&http.Client{Timeout: config.Seconds(c.cfg.Callback.RequestTimeoutSeconds)}),
		c.cfg.Worker.URL, c.cfg.Auth.APIKey), nil
}

// Handler returns the controller HTTP handler.
func (c *Controller) Handler() http.Handler {
	return c.server.Handler()
}

// Runs returns the run service.
func (c *Controller) Runs() *runs.Service {
	return c.runs
}

// Run serves HTTP until ctx is cancelled and releases resources afterwards.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller started", zap.String("store", c.cfg.Store.Backend))
	err := serve(ctx, c.cfg.Server.ControllerPort, c.Handler(), c.logger)
	c.Close()
	return err
}

// Close releases all resources.
func (c *Controller) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.closers.closeAll(ctx, c.logger)
	c.closers = nil
	c.logger.Info("shutdown complete")
}
