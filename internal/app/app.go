package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"converge/internal/cluster"
	"converge/internal/config"
	"converge/internal/engine"
	"converge/internal/registry"
	"converge/internal/server"
	"converge/internal/source"
	"converge/pkg/logging"
)

// Options controls application bootstrap.
type Options struct {
	// ConfigPath is the configuration directory. Empty means the default
	// user configuration directory.
	ConfigPath string

	// Debug enables debug-level logging.
	Debug bool

	// Silent suppresses all log output.
	Silent bool
}

// Application wires the configuration, target registry, scheduler and HTTP
// API into one runnable unit.
//
// Bootstrap is two-phase: NewApplication loads configuration and constructs
// every component; Run starts them and blocks until the context is
// cancelled, then shuts them down in reverse order.
type Application struct {
	cfg       config.ConvergeConfig
	store     *registry.Store
	watcher   *registry.Watcher
	scheduler *engine.Scheduler
	server    *server.Server
}

// NewApplication creates and initializes the application.
func NewApplication(opts Options) (*Application, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// Logging is not configured yet at this point.
		logging.Fallback("Failed to load configuration from %s: %v", configPath, err)
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logLevel := logging.ParseLevel(cfg.Logging.Level)
	if opts.Debug {
		logLevel = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stdout
	if opts.Silent {
		logOutput = io.Discard
	}
	logging.Init(logLevel, logOutput)

	store, err := registry.NewStore(config.TargetsDir(configPath))
	if err != nil {
		return nil, err
	}

	gitSource := source.NewGitSource(cfg.Source.CacheDir)
	dynamicCluster := cluster.NewDynamicCluster(cfg.Cluster.Kubeconfig)

	scheduler := engine.NewScheduler(engine.SchedulerConfig{
		WorkerCount:     cfg.Scheduler.Workers,
		DefaultInterval: cfg.Defaults.Interval,
		FetchTimeout:    cfg.Scheduler.FetchTimeout,
		ObserveTimeout:  cfg.Scheduler.ObserveTimeout,
		SyncTimeout:     cfg.Scheduler.SyncTimeout,
		BaseBackoff:     cfg.Scheduler.BaseBackoff,
		MaxBackoff:      cfg.Scheduler.MaxBackoff,
	}, gitSource, dynamicCluster)

	return &Application{
		cfg:       cfg,
		store:     store,
		watcher:   registry.NewWatcher(store.Dir(), 0),
		scheduler: scheduler,
		server:    server.New(cfg, scheduler, store),
	}, nil
}

// Run starts all components and blocks until ctx is cancelled or a
// component fails.
func (a *Application) Run(ctx context.Context) error {
	// Register persisted targets before the workers start so the first
	// reconciliation round covers all of them.
	targets, loadErrs := a.store.LoadAll()
	for _, err := range loadErrs {
		logging.Warn("Bootstrap", "Skipping target definition: %v", err)
	}
	for _, target := range targets {
		target = a.cfg.ApplyTargetDefaults(target)
		if err := a.scheduler.AddTarget(target); err != nil {
			logging.Warn("Bootstrap", "Skipping target %s: %v", target.Name, err)
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	changes := make(chan registry.ChangeEvent, 64)
	if err := a.watcher.Start(ctx, changes); err != nil {
		return fmt.Errorf("failed to start target watcher: %w", err)
	}
	defer a.watcher.Stop()
	go a.handleTargetChanges(ctx, changes)

	serverErr := a.server.Start()
	defer func() {
		if err := a.server.Stop(); err != nil {
			logging.Error("App", err, "Error stopping HTTP server")
		}
	}()

	logging.Info("App", "converge is running with %d target(s)", len(targets))

	select {
	case <-ctx.Done():
		logging.Info("App", "Shutting down...")
		return nil
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	}
}

// handleTargetChanges applies filesystem edits of target definitions to the
// running scheduler.
func (a *Application) handleTargetChanges(ctx context.Context, changes <-chan registry.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-changes:
			if !ok {
				return
			}
			a.applyTargetChange(event)
		}
	}
}

func (a *Application) applyTargetChange(event registry.ChangeEvent) {
	switch event.Operation {
	case registry.OperationDelete:
		if err := a.scheduler.RemoveTarget(event.Name); err != nil {
			logging.Debug("App", "Ignoring delete of %s: %v", event.Name, err)
		}
		return
	case registry.OperationCreate, registry.OperationUpdate:
		target, err := a.store.Load(event.Name)
		if err != nil {
			logging.Warn("App", "Ignoring change to %s: %v", event.Name, err)
			return
		}
		target = a.cfg.ApplyTargetDefaults(target)

		if _, exists := a.scheduler.GetTarget(target.Name); !exists {
			if err := a.scheduler.AddTarget(target); err != nil {
				logging.Warn("App", "Failed to register target %s: %v", target.Name, err)
			}
			return
		}
		if err := a.scheduler.UpdateTarget(target); err != nil {
			// An identity change needs a remove+add cycle.
			logging.Warn("App", "Failed to update target %s, re-registering: %v", target.Name, err)
			if err := a.scheduler.RemoveTarget(target.Name); err == nil {
				if err := a.scheduler.AddTarget(target); err != nil {
					logging.Warn("App", "Failed to re-register target %s: %v", target.Name, err)
				}
			}
		}
	}
}
