package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/jobscout/internal/api"
	"github.com/JakeFAU/jobscout/internal/callback"
	"github.com/JakeFAU/jobscout/internal/clock/system"
	"github.com/JakeFAU/jobscout/internal/config"
	"github.com/JakeFAU/jobscout/internal/dispatch"
	"github.com/JakeFAU/jobscout/internal/executor"
	"github.com/JakeFAU/jobscout/internal/hash/sha256"
	"github.com/JakeFAU/jobscout/internal/id/uuid"
	"github.com/JakeFAU/jobscout/internal/orchestrator"
	"github.com/JakeFAU/jobscout/internal/relax"
	"github.com/JakeFAU/jobscout/internal/scrape"
	"github.com/JakeFAU/jobscout/internal/taskqueue"
	"github.com/JakeFAU/jobscout/internal/worker"
)

func systemClock() scrape.Clock {
	return system.New()
}

// Worker holds the services of the worker process.
type Worker struct {
	cfg        config.Config
	logger     *zap.Logger
	runner     *taskqueue.Runner
	service    *worker.Service
	replayer   *callback.Replayer
	server     *api.WorkerServer
	subscriber *dispatch.Subscriber
	closers    closers
}

// BuildWorker wires the worker from cfg. opts are passed to Google Cloud
// clients.
func BuildWorker(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...option.ClientOption) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{cfg: cfg, logger: logger}
	fail := func(err error) (*Worker, error) {
		w.closers.closeAll(context.Background(), logger)
		return nil, err
	}

	if err := initTracing(ctx, cfg, "jobscout-worker", &w.closers); err != nil {
		return fail(err)
	}
	clock := systemClock()
	hasher := sha256.New()
	ids := uuid.New()

	deadLetters, err := buildDeadLetters(ctx, cfg, &w.closers, opts, logger)
	if err != nil {
		return fail(err)
	}
	sender := buildSender(cfg, deadLetters, clock, logger)
	w.replayer = callback.NewReplayer(deadLetters, sender, logger)

	exec, err := w.buildExecutor(hasher)
	if err != nil {
		return fail(err)
	}
	orch := orchestrator.New(exec, relax.DefaultRegistry(), sender, hasher, ids, clock, orchestrator.Config{
		JobTimeout:    cfg.JobTimeout(),
		ExtraAttempts: cfg.Scrape.ExtraAttempts,
		DefaultLimit:  cfg.Scrape.DefaultLimit,
		CallbackURL:   cfg.Callback.URL,
		CallbackToken: cfg.Callback.Token,
	}, logger)

	w.runner = taskqueue.New(taskqueue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxQueued:     cfg.Queue.MaxQueued,
		TaskTimeout:   cfg.TaskTimeout(),
	}, logger)
	w.closers.add("task queue", w.runner.Close)
	w.service = worker.New(w.runner, orch, ids, logger)

	if cfg.Queue.Provider == config.ProviderPubSub {
		if cfg.PubSub.Subscription == "" {
			return fail(fmt.Errorf("pubsub.subscription is required for the worker"))
		}
		client, err := newPubSubClient(ctx, cfg, &w.closers, opts)
		if err != nil {
			return fail(err)
		}
		w.subscriber = dispatch.NewSubscriber(client.Subscription(cfg.PubSub.Subscription), w.service, logger)
		logger.Info("receiving dispatches from pubsub", zap.String("subscription", cfg.PubSub.Subscription))
	}

	w.server = api.NewWorkerServer(w.service, w.replayer, api.WorkerConfig{APIKey: cfg.Auth.APIKey}, logger)
	return w, nil
}

func (w *Worker) buildExecutor(hasher scrape.Hasher) (*executor.Executor, error) {
	cfg := w.cfg.Executor
	timeout := config.Seconds(cfg.TimeoutSeconds)
	plain := executor.NewColly(executor.CollyConfig{UserAgent: cfg.UserAgent, Timeout: timeout})

	var fetcher, renderer executor.Fetcher = plain, nil
	if cfg.Kind == config.ExecutorHeadless || cfg.Kind == config.ExecutorAuto {
		headless, err := executor.NewHeadless(executor.HeadlessConfig{
			MaxParallel:       cfg.HeadlessMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		w.closers.add("headless fetcher", func(context.Context) error {
			headless.Close()
			return nil
		})
		if cfg.Kind == config.ExecutorHeadless {
			fetcher = headless
		} else {
			renderer = headless
		}
	}

	listings := make(map[string]string, len(cfg.ListingURLs))
	for source, u := range cfg.ListingURLs {
		listings[strings.ToLower(source)] = u
	}
	return executor.New(fetcher, renderer, executor.NewHostLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), hasher, executor.Config{
		ListingURLs:     listings,
		Selectors:       selectors(cfg),
		MaxPages:        cfg.MaxPages,
		RenderThreshold: cfg.RenderThreshold,
	}, w.logger), nil
}

func selectors(cfg config.ExecutorConfig) executor.Selectors {
	sel := executor.DefaultSelectors()
	override := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	override(&sel.Item, cfg.ItemSelector)
	override(&sel.Title, cfg.TitleSelector)
	override(&sel.Link, cfg.LinkSelector)
	override(&sel.Company, cfg.CompanySelector)
	override(&sel.Location, cfg.LocationSelector)
	override(&sel.Salary, cfg.SalarySelector)
	override(&sel.Description, cfg.DescriptionSelector)
	override(&sel.IDAttribute, cfg.IDAttribute)
	override(&sel.Next, cfg.NextSelector)
	return sel
}

// Handler returns the worker HTTP handler.
func (w *Worker) Handler() http.Handler {
	return w.server.Handler()
}

// Service returns the dispatch admission service.
func (w *Worker) Service() *worker.Service {
	return w.service
}

// Run serves HTTP and, with the pubsub provider, receives dispatches until
// ctx is cancelled. Resources are released before it returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.String("queue_provider", w.cfg.Queue.Provider),
		zap.Int("max_concurrent", w.cfg.Queue.MaxConcurrent),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, w.cfg.Server.WorkerPort, w.Handler(), w.logger)
	})
	if w.subscriber != nil {
		g.Go(func() error {
			return w.subscriber.Run(gctx)
		})
	}
	err := g.Wait()
	w.Close()
	return err
}

// Close releases all resources.
func (w *Worker) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	w.closers.closeAll(ctx, w.logger)
	w.closers = nil
	w.logger.Info("shutdown complete")
}
