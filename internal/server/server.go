// Package server builds the application's dependency graph from configuration and runs the
// HTTP API and queue consumers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/api"
	"github.com/JakeFAU/page-acquisition/internal/clock/system"
	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/dispatcher"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	"github.com/JakeFAU/page-acquisition/internal/id/uuid"
	"github.com/JakeFAU/page-acquisition/internal/lifecycle"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/policy/ssrf"
	"github.com/JakeFAU/page-acquisition/internal/telemetry"
	"github.com/JakeFAU/page-acquisition/internal/worker"
)

// Mode selects what Run serves.
type Mode struct {
	API     bool
	Workers bool
}

// App holds the wired dependencies and the resources that must be released on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock       acquire.Clock
	ids         acquire.IDGenerator
	policy      *ssrf.Guard
	store       acquire.JobStore
	blobs       acquire.BlobSink
	ledger      acquire.Ledger
	queue       acquire.Queue
	notifier    acquire.Notifier
	frontier    *frontier.Controller
	coordinator *lifecycle.Coordinator
	readiness   map[string]api.ReadinessCheck

	// closers run in reverse order of registration.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. The browser pool is created lazily by the
// worker and scrape paths, so API-only processes never start Chrome.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:       cfg,
		logger:    logger,
		clock:     system.New(),
		ids:       uuid.New(),
		readiness: map[string]api.ReadinessCheck{},
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     cfg.Telemetry.Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.onClose("tracer", tp.Shutdown)
	}

	app.policy = newPolicy(cfg.Policy, logger)
	if app.store, err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	if app.blobs, err = app.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if app.ledger, err = app.setupLedger(ctx); err != nil {
		return nil, err
	}
	if app.queue, app.notifier, err = app.setupMessaging(ctx); err != nil {
		return nil, err
	}
	if app.frontier, err = app.setupFrontier(); err != nil {
		return nil, err
	}

	app.coordinator, err = lifecycle.New(lifecycle.Config{
		DefaultCrawl: acquire.CrawlOptions{MaxDepth: cfg.Frontier.DefaultDepth, Limit: cfg.Frontier.DefaultLimit},
		MaxBatchURLs: cfg.Server.MaxBatchURLs,
	}, lifecycle.Deps{
		Store:    app.store,
		Ledger:   app.ledger,
		Queue:    app.queue,
		Policy:   app.policy,
		Frontier: app.frontier,
		Notifier: app.notifier,
		IDs:      app.ids,
		Clock:    app.clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	logger.Info("application dependencies built",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("frontier", cfg.Frontier.Store),
		zap.Bool("postgres_jobs", cfg.Database.DSN != ""),
	)
	return app, nil
}

// Coordinator exposes the lifecycle coordinator.
func (a *App) Coordinator() *lifecycle.Coordinator {
	return a.coordinator
}

// Run serves until SIGINT/SIGTERM or ctx cancellation, then shuts down.
func (a *App) Run(ctx context.Context, mode Mode) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	if mode.Workers {
		w, err := a.NewWorker(ctx)
		if err != nil {
			return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
		}
		d := dispatcher.New(w, a.cfg.Worker.Concurrency, a.logger)
		go func() { errc <- d.Run(ctx) }()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler(mode),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port), zap.Bool("api", mode.API))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		if runErr != nil {
			a.logger.Error("component stopped", zap.Error(runErr))
		}
	}
	stop()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

func (a *App) handler(mode Mode) http.Handler {
	service := api.Service(a.coordinator)
	if !mode.API {
		service = nil
	}
	return api.NewServer(service, api.Config{
		APIKey:         a.apiKey(),
		RequestTimeout: a.cfg.Server.RequestTimeout,
		MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
		MaxPageSize:    a.cfg.Server.MaxPageSize,
	}, a.readiness, a.logger).Handler()
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

// NewWorker builds the browser-backed worker. The browser pool is released on Close.
func (a *App) NewWorker(ctx context.Context) (*worker.Worker, error) {
	engine, err := a.NewEngine(ctx)
	if err != nil {
		return nil, err
	}
	robotsChecker, limiter := newCrawlPolicies(a.cfg.Policy, a.policy, a.logger)
	w, err := worker.New(worker.Config{
		JobTimeout:     a.cfg.Queue.JobTimeout,
		PersistTimeout: a.cfg.Worker.PersistTimeout,
	}, worker.Deps{
		Queue:      a.queue,
		Store:      a.store,
		Engine:     engine,
		Frontier:   a.frontier,
		Robots:     robotsChecker,
		Politeness: limiter,
		Notifier:   a.notifier,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	return w, nil
}

// Close releases every registered resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}
