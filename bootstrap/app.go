package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hostaudit/api"
	"hostaudit/config"
	"hostaudit/core"
	"hostaudit/detect"
	"hostaudit/ingest"
	"hostaudit/notify"
	"hostaudit/runner"
	"hostaudit/util/goroutine"

	"go.uber.org/zap"
)

// App represents the hostaudit service with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Evaluation
	Rules     *detect.RuleLoader
	Evaluator *detect.FactEvaluator
	Facts     *ingest.FactsIngestor
	Samples   *ingest.SampleLoader

	// Services
	Bus       *notify.Bus
	Runner    *runner.Runner
	Scheduler *runner.Scheduler
	Poller    *ingest.Poller
	APIServer *api.API

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	serviceWg *sync.WaitGroup
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{
		serviceWg: &sync.WaitGroup{},
	}
	app.ctx, app.cancel = context.WithCancel(ctx)

	// Initialize logger
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("hostaudit starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Pre-flight checks
	sugar.Info("Running pre-flight checks...")
	dirs := DataDirectoriesFromConfig(cfg)
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := InitSQLite(dirs, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = InitStorage(sqlite, cfg, sugar)

	if err := app.initEvaluation(); err != nil {
		sqlite.Close()
		return nil, err
	}

	app.Bus = notify.NewBus(cfg.Notify.QueueCap, sugar, app.initRelays()...)

	app.initRunner()
	app.initPoller()

	app.APIServer = api.NewAPI(api.Dependencies{
		Runner:     app.Runner,
		Bus:        app.Bus,
		Events:     app.Storage.Events,
		Detections: app.Storage.Detections,
		Audit:      app.Storage.Audit,
		Facts:      app.Facts,
		Rules:      app.Rules,
		Samples:    app.Samples,
		Health:     app.Storage.SQLite,
	}, cfg, sugar)

	return app, nil
}

// initEvaluation builds the rule loader, the expression evaluator and the facts ingest path.
func (a *App) initEvaluation() error {
	cfg := a.Config

	a.Rules = detect.NewRuleLoader(cfg.Rules.Files, cfg.Rules.SchemaPath, a.Sugar)
	if path := a.Rules.Path(); path == "" {
		a.Sugar.Warnw("No rule file found; facts will be stored without evaluation until one exists",
			"candidates", cfg.Rules.Files)
	} else {
		a.Sugar.Infow("Rule file located", "path", path)
	}

	cache, err := detect.NewExpressionCache(cfg.Rules.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create expression cache: %w", err)
	}
	a.Evaluator = detect.NewFactEvaluator(cache, a.Sugar)

	validator, err := ingest.NewFactsValidator(cfg.Rules.FactsSchema)
	if err != nil {
		return fmt.Errorf("failed to load facts schema: %w", err)
	}
	a.Facts = ingest.NewFactsIngestor(a.Rules, a.Evaluator, a.Storage.Audit, validator, a.Sugar)

	if cfg.Samples.Path != "" {
		a.Samples = ingest.NewSampleLoader(cfg.Samples.Path, a.Storage.Audit, a.Storage.SQLite, a.Sugar)
	}
	return nil
}

// initRelays connects the configured detection relays. A relay that cannot
// connect is logged and skipped; the local stream still works without it.
func (a *App) initRelays() []notify.Relay {
	cfg := a.Config
	var relays []notify.Relay

	if cfg.Notify.Redis.Enabled {
		r, err := notify.NewRedisRelay(notify.RedisRelayConfig{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
			PoolSize: cfg.Notify.Redis.PoolSize,
		}, a.Sugar)
		if err != nil {
			a.Sugar.Errorw("Redis relay disabled", "reason", ClassifyRelayError(err, "Redis", cfg.Notify.Redis.Addr))
		} else {
			relays = append(relays, r)
		}
	}

	if cfg.Notify.NATS.Enabled {
		r, err := notify.NewNATSRelay(notify.NATSRelayConfig{
			URL:     cfg.Notify.NATS.URL,
			Subject: cfg.Notify.NATS.Subject,
			Timeout: cfg.Notify.NATS.Timeout,
		}, a.Sugar)
		if err != nil {
			a.Sugar.Errorw("NATS relay disabled", "reason", ClassifyRelayError(err, "NATS", cfg.Notify.NATS.URL))
		} else {
			relays = append(relays, r)
		}
	}

	return relays
}

// initRunner creates the collector job queue and its periodic scheduler.
func (a *App) initRunner() {
	cfg := a.Config

	collectors := runner.LoadCollectors(cfg.Collectors.File, a.Sugar)
	shell := cfg.Collectors.PowerShell
	if shell == "" {
		shell = runner.FindPowerShell()
	}
	executor := runner.NewPowerShellExecutor(shell, cfg.Collectors.ProjectRoot, a.Sugar)

	a.Runner = runner.New(runner.Config{
		QueueSize:   cfg.Runner.QueueSize,
		MaxJobs:     cfg.Runner.MaxJobs,
		WaitTimeout: cfg.Runner.WaitTimeout,
		WaitPoll:    cfg.Runner.WaitPoll,
	}, collectors, executor, a.Facts, a.Storage.Audit, a.Sugar)

	if cfg.Runner.Enabled {
		a.Scheduler = runner.NewScheduler(a.Runner, collectors, cfg.Runner.Tick, a.Sugar)
	}
	a.Sugar.Infow("Collector runner initialized",
		"collectors", len(collectors),
		"powershell", shell,
		"scheduled", cfg.Runner.Enabled)
}

// initPoller creates the security log poller when this host has a log source.
func (a *App) initPoller() {
	cfg := a.Config
	if !cfg.Poller.Enabled {
		a.Sugar.Info("Event poller disabled by configuration")
		return
	}

	source, err := ingest.NewEventSource(cfg.Poller.Channel, cfg.Poller.Command, cfg.Poller.Timeout, a.Sugar)
	if errors.Is(err, ingest.ErrNoEventSource) {
		a.Sugar.Infow("Event poller disabled", "reason", err)
		return
	}
	if err != nil {
		a.Sugar.Errorw("Event poller disabled", "error", err)
		return
	}

	engine := detect.NewDetectionEngine(detect.DetectionConfig{
		Threshold:     cfg.Poller.Threshold,
		WindowMinutes: cfg.Poller.WindowMinutes,
		AdminGroups:   cfg.Poller.AdminGroups,
	})
	guard := core.NewDedupGuard(a.Storage.Detections, cfg.Dedup.Window)
	if cfg.Dedup.Window < core.MinDedupWindow {
		a.Sugar.Warnw("Dedup window raised to minimum", "configured", cfg.Dedup.Window, "effective", guard.Window())
	}

	a.Poller = ingest.NewPoller(ingest.PollerConfig{
		EventIDs: cfg.Poller.EventIDs,
		Interval: cfg.Poller.Interval,
		Lookback: cfg.Poller.Lookback,
		Host:     cfg.PollerHost(),
		Source:   cfg.Poller.Source,
		Channel:  cfg.Poller.Channel,
	}, source, a.Storage.Bookmarks, a.Storage.Events, engine, guard, a.Bus, a.Sugar)
}

// Start launches background services and the API server.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Metrics.Enabled {
		a.Storage.SQLite.StartMetricsCollection(a.ctx, a.Config.Metrics.PoolInterval)
	}

	if a.Samples != nil && a.Config.Samples.LoadOnStartup {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		res, err := a.Samples.Sync(syncCtx, false)
		cancel()
		if err != nil {
			a.Sugar.Warnw("Failed to load sample audit data", "path", a.Config.Samples.Path, "error", err)
		} else {
			a.Sugar.Infow("Sample audit data ready", "reloaded", res.Reloaded, "inserted", res.Inserted)
		}
	}

	a.Bus.Start()
	a.Runner.Start()
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}
	if a.Poller != nil {
		a.Poller.Start()
	}
	a.Storage.Retention.Start()

	return a.startAPIServer()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case <-a.ctx.Done():
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop producers so no new jobs or detections appear
	a.Sugar.Info("Phase 1: Stopping scheduler and poller...")
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Poller != nil {
		a.Poller.Stop()
	}

	// Phase 2 - Stop API server; open streams end with it
	a.Sugar.Info("Phase 2: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// Phase 3 - Stop the runner after its in-flight job
	a.Sugar.Info("Phase 3: Stopping collector runner...")
	if a.Runner != nil {
		a.Runner.Stop()
	}

	// Phase 4 - Drain the bus and close relays
	a.Sugar.Info("Phase 4: Stopping notification bus...")
	if a.Bus != nil {
		a.Bus.Stop()
	}

	// Phase 5 - Wait for service goroutines
	a.Sugar.Info("Phase 5: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 6: Stopping retention manager...")
	if a.Storage != nil && a.Storage.Retention != nil {
		a.Storage.Retention.Stop()
	}
	a.cancel()

	a.Sugar.Info("Phase 7: Closing database connections...")
	if a.Storage != nil && a.Storage.SQLite != nil {
		if err := a.Storage.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// startAPIServer runs the API server in the background. A listener failure
// cancels the app so WaitForShutdown returns.
func (a *App) startAPIServer() error {
	a.serviceWg.Add(1)
	goroutine.Go("api-server", a.Sugar, func() {
		defer a.serviceWg.Done()
		a.Sugar.Infow("API server listening", "addr", a.APIServer.Addr())
		if err := a.APIServer.Start(); err != nil {
			a.Sugar.Errorw("API server failed", "error", err)
			a.cancel()
		}
	})
	return nil
}
