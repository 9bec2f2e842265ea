// Package app initializes and holds the long-lived services of one
// invocation, acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint/badger"
	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint/memory"
	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint/postgres"
	"github.com/happidaswork-netizen/d2ilite/internal/clock/system"
	"github.com/happidaswork-netizen/d2ilite/internal/config"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	collyfetcher "github.com/happidaswork-netizen/d2ilite/internal/fetcher/colly"
	headlessfetcher "github.com/happidaswork-netizen/d2ilite/internal/fetcher/headless"
	"github.com/happidaswork-netizen/d2ilite/internal/hash/sha256"
	idgen "github.com/happidaswork-netizen/d2ilite/internal/id/uuid"
	"github.com/happidaswork-netizen/d2ilite/internal/metawriter"
	"github.com/happidaswork-netizen/d2ilite/internal/pipeline"
	"github.com/happidaswork-netizen/d2ilite/internal/progress"
	"github.com/happidaswork-netizen/d2ilite/internal/progress/sinks"
	"github.com/happidaswork-netizen/d2ilite/internal/selector"
)

// App holds the services shared by a run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	store    crawler.CheckpointStore
	fast     crawler.Fetcher
	browser  *headlessfetcher.Fetcher
	registry *prometheus.Registry
	hub      *progress.Hub
}

// OpenStore opens the configured checkpoint backend.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.CheckpointStore, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory checkpoints; progress will not survive the process")
		return memory.New(), nil
	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.Checkpoint.DSN,
			TablePrefix: cfg.Checkpoint.TablePrefix,
			MaxConns:    cfg.Checkpoint.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoints: %w", err)
		}
		return store, nil
	case config.BackendBadger, "":
		store, err := badger.Open(badger.Config{
			Dir:    cfg.CheckpointDir(),
			Logger: logger.Named("checkpoint"),
		})
		if err != nil {
			return nil, fmt.Errorf("open badger checkpoints: %w", err)
		}
		return store, nil
	default:
		return nil, &crawler.FatalConfigError{Field: "checkpoint.backend", Reason: "unknown backend " + cfg.Checkpoint.Backend}
	}
}

// NewApp creates the checkpoint store, fetchers and progress hub for cfg.
// It fails fast when any of them cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	run := cfg.Run
	maxBody := 0
	if run.MaxImageBytes > 0 {
		// one byte past the limit so the gate sees an oversize body
		maxBody = int(run.MaxImageBytes) + 1
	}
	a.fast = collyfetcher.New(collyfetcher.Config{
		UserAgent:      run.UserAgent,
		RespectRobots:  run.RespectRobots,
		Timeout:        run.FetchTimeout,
		MaxBodyBytes:   maxBody,
		DefaultHeaders: run.DefaultHeaders,
		Logger:         logger.Named("fetcher.colly"),
	})
	if cfg.Browser.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			UserAgent:         run.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			DefaultHeaders:    run.DefaultHeaders,
			Logger:            logger.Named("fetcher.headless"),
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.browser = browser
	}

	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)

	logger.Info("application services initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("browser", a.browser != nil),
	)
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the checkpoint store.
func (a *App) Store() crawler.CheckpointStore { return a.store }

// Registry returns the Prometheus registry scraped by the status server.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Clock returns the wall clock used by the run.
func (a *App) Clock() crawler.Clock { return a.clock }

// Pipeline wires a fresh pipeline over the app's services.
func (a *App) Pipeline() (*pipeline.Pipeline, error) {
	opts := pipeline.Options{
		Fast:      a.fast,
		Store:     a.store,
		Evaluator: selector.New(),
		Hasher:    sha256.New(),
		IDs:       idgen.New(),
		Clock:     a.clock,
		Logger:    a.logger.Named("pipeline"),
	}
	if a.browser != nil {
		opts.Browser = a.browser
	}
	if a.hub != nil {
		opts.Emitter = a.hub
	}
	if a.cfg.Run.MetadataEnabled {
		opts.Metadata = metawriter.NewSidecar(a.clock)
	}
	return pipeline.New(a.cfg.RunConfig(), opts)
}

// Close shuts down all services in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error shutting down application services", zap.Error(err))
	}
}
