package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/taskwell/taskwell/internal/api"
	"github.com/taskwell/taskwell/internal/autoscale"
	"github.com/taskwell/taskwell/internal/broker"
	"github.com/taskwell/taskwell/internal/config"
	"github.com/taskwell/taskwell/internal/handlers"
	"github.com/taskwell/taskwell/internal/health"
	"github.com/taskwell/taskwell/internal/metrics"
	"github.com/taskwell/taskwell/internal/platform/postgres"
	"github.com/taskwell/taskwell/internal/ratelimit"
	"github.com/taskwell/taskwell/internal/retry"
	"github.com/taskwell/taskwell/internal/store"
	"github.com/taskwell/taskwell/internal/task"
	"github.com/taskwell/taskwell/internal/worker"
)

// application holds the wired-up components and their shutdown order.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	broker  *broker.Broker
	monitor *health.Monitor
	scaler  *autoscale.Controller
	pools   []*worker.Pool
	router  http.Handler
}

// newApplication builds the full component graph: store, broker, handler
// registry, rate limiter, per-queue worker pools, health monitor,
// autoscaler and the HTTP router.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}
	m := metrics.New()

	// Durable record store: postgres when configured, in-memory otherwise.
	var taskStore task.Store
	if cfg.Database.URL != "" {
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		app.db = db
		taskStore = postgres.NewTaskStore(db)
		logger.Info("using postgres task store")
	} else {
		taskStore = store.NewMemoryTaskStore()
		logger.Info("using in-memory task store")
	}

	policy := retry.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter)

	queueOpts := make(map[string]broker.QueueOptions, len(cfg.Queues))
	for name, q := range cfg.Queues {
		queueOpts[name] = broker.QueueOptions{VisibilityTimeout: q.VisibilityTimeout}
	}
	app.broker = broker.New(taskStore, policy, m, logger, broker.Options{
		Queues:          queueOpts,
		PollInterval:    cfg.Broker.PollInterval,
		MaxReclaims:     cfg.Broker.MaxReclaims,
		AgingStep:       cfg.Broker.AgingStep,
		RetentionWindow: cfg.Broker.RetentionWindow,
	})

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Rate limits are declared per queue but enforced per task type:
	// each registered type inherits its queue's limit.
	limits := make(map[string]ratelimit.Limit)
	for _, handler := range registryHandlers(registry) {
		if q, ok := cfg.Queues[handler.Queue()]; ok && q.RateLimit > 0 {
			limits[handler.Type()] = ratelimit.Limit{Rate: q.RateLimit, Burst: q.RateBurst}
		}
	}
	limiter := ratelimit.New(limits)

	app.monitor = health.NewMonitor(app.broker, m, logger, cfg.Worker.HeartbeatInterval)
	if app.db != nil {
		app.monitor.SetPinger(app.db.PingContext)
	}

	for name, q := range cfg.Queues {
		pool := worker.NewPool(app.broker, registry, limiter, app.monitor, m, logger, worker.Config{
			Queue:             name,
			InitialSlots:      q.ConcurrencyLimit,
			YieldDelay:        cfg.Worker.YieldDelay,
			IdleSleep:         cfg.Worker.IdleSleep,
			LeaseErrorBackoff: cfg.Worker.LeaseErrorBackoff,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		})
		app.pools = append(app.pools, pool)
	}

	if cfg.Autoscaler.Enabled {
		app.scaler = autoscale.NewController(app.monitor, m, logger, cfg.Autoscaler.TickInterval)
		for _, pool := range app.pools {
			q := cfg.Queues[pool.Queue()]
			maxReplicas := q.MaxReplicas
			if maxReplicas <= 0 {
				maxReplicas = q.ConcurrencyLimit
			}
			app.scaler.Register(pool, autoscale.QueuePolicy{
				ConcurrencyLimit:   q.ConcurrencyLimit,
				MinReplicas:        q.MinReplicas,
				MaxReplicas:        maxReplicas,
				ScaleUpThreshold:   cfg.Autoscaler.ScaleUpThreshold,
				ScaleDownThreshold: cfg.Autoscaler.ScaleDownThreshold,
				ScaleDownWindow:    cfg.Autoscaler.ScaleDownWindow,
				UpCooldown:         cfg.Autoscaler.UpCooldown,
				DownCooldown:       cfg.Autoscaler.DownCooldown,
			})
		}
	}

	taskHandler := api.NewTaskHandler(app.broker, registry)
	app.router = api.NewRouter(taskHandler, app.monitor, m.Handler())

	return app, nil
}

// buildRegistry registers the built-in handlers whose queues are
// configured. The convention is one queue per job class, named after its
// task type.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*task.Registry, error) {
	registry := task.NewRegistry()

	if _, ok := cfg.Queues["scrape"]; ok {
		registry.Register(handlers.NewScrapeHandler("scrape", cfg.Handlers.UserAgent, cfg.Handlers.HTTPTimeout))
	}
	if _, ok := cfg.Queues["analyze"]; ok {
		registry.Register(handlers.NewAnalyzeHandler("analyze"))
	}
	if _, ok := cfg.Queues["publish"]; ok {
		registry.Register(handlers.NewPublishHandler("publish", cfg.Handlers.UserAgent, cfg.Handlers.HTTPTimeout))
	}
	if _, ok := cfg.Queues["inference"]; ok {
		if cfg.Handlers.GeminiAPIKey == "" {
			logger.Warn("inference queue configured but no API key set, skipping handler registration")
		} else {
			h, err := handlers.NewInferenceHandler(context.Background(),
				"inference", cfg.Handlers.GeminiAPIKey, cfg.Handlers.GeminiModel)
			if err != nil {
				return nil, fmt.Errorf("failed to build inference handler: %w", err)
			}
			registry.Register(h)
		}
	}

	logger.Info("task handlers registered", "types", registry.Types())
	return registry, nil
}

// registryHandlers resolves every registered type back to its handler.
func registryHandlers(registry *task.Registry) []task.Handler {
	var out []task.Handler
	for _, t := range registry.Types() {
		if h, err := registry.Lookup(t); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// Run starts the broker recovery, background loops, worker pools and the
// HTTP server, then blocks until a shutdown signal arrives and everything
// has drained.
func (app *application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.broker.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.monitor.Run(ctx)
	}()
	if app.scaler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.scaler.Run(ctx)
		}()
	}
	for _, pool := range app.pools {
		pool.Start()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler: app.router,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "port", app.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		app.logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		app.logger.Error("server failed", "error", err)
		return err
	}

	// Stop accepting submissions first, then drain the pools so in-flight
	// work completes, then stop the control loops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
	}

	for _, pool := range app.pools {
		pool.Stop()
	}
	cancel()
	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}

	app.logger.Info("shutdown complete")
	return nil
}
