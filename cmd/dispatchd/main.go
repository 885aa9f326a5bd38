// Command dispatchd runs the dispatch runtime daemon: it owns the event
// stream, snapshot store, and telemetry database for as long as the
// process lives, and drives the periodic housekeeping sweep that halts
// runs which crossed a review-loop or stalled-attempt threshold without
// anyone dispatching into them again. The dispatch operations themselves
// (init_run, compile_prompt, dispatch_and_ingest, ...) are invoked by an
// external MCP frontend against the same runtime.Manager; dispatchd's job
// is to keep that manager alive and its background guards running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/complexity"
	"github.com/madebymlai/spec-context-mcp/internal/config"
	"github.com/madebymlai/spec-context-mcp/internal/dispatchexec"
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/eventstream"
	"github.com/madebymlai/spec-context-mcp/internal/filecache"
	"github.com/madebymlai/spec-context-mcp/internal/health"
	"github.com/madebymlai/spec-context-mcp/internal/metrics"
	"github.com/madebymlai/spec-context-mcp/internal/project"
	"github.com/madebymlai/spec-context-mcp/internal/prompt"
	"github.com/madebymlai/spec-context-mcp/internal/runtime"
	"github.com/madebymlai/spec-context-mcp/internal/schema"
	"github.com/madebymlai/spec-context-mcp/internal/snapshot"
	"github.com/madebymlai/spec-context-mcp/internal/telemetry"
	"github.com/madebymlai/spec-context-mcp/internal/tick"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRuntimeConfigReload rejects a SIGHUP reload that would change a
// value nothing downstream is prepared to swap out live (the on-disk state
// layout, or the telemetry database path).
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if strings.TrimSpace(oldCfg.General.WorkflowHome) != strings.TrimSpace(newCfg.General.WorkflowHome) {
		return fmt.Errorf("general.workflow_home changed (%q -> %q) and requires restart",
			oldCfg.General.WorkflowHome, newCfg.General.WorkflowHome)
	}
	if strings.TrimSpace(oldCfg.Telemetry.DBPath) != strings.TrimSpace(newCfg.Telemetry.DBPath) {
		return fmt.Errorf("telemetry.db_path changed (%q -> %q) and requires restart",
			oldCfg.Telemetry.DBPath, newCfg.Telemetry.DBPath)
	}
	return nil
}

func buildExecutor(cfg *config.Config) (dispatchexec.Executor, error) {
	router := dispatchexec.NewRouter(dispatchexec.NewProcessExecutor())
	for name, p := range cfg.Providers {
		if p.Backend != "docker" {
			continue
		}
		docker, err := dispatchexec.NewDockerExecutor(p.DockerImage)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		router.Use(domain.Provider(name), docker)
	}
	return router, nil
}

func buildManager(cfg *config.Config, reg *metrics.Registry, telStore *telemetry.Store, logger *slog.Logger) (*runtime.Manager, *eventstream.Stream, *snapshot.Store, error) {
	home := config.ExpandHome(cfg.General.WorkflowHome)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create workflow home: %w", err)
	}

	events, err := eventstream.Open(eventstream.Options{LogPath: filepath.Join(home, "events.jsonl")})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open event stream: %w", err)
	}

	snaps, err := snapshot.Open(snapshot.Options{Path: filepath.Join(home, "snapshots.json")})
	if err != nil {
		_ = events.Close()
		return nil, nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}

	schemas := schema.NewRegistry()
	schema.RegisterDispatchContracts(schemas)

	table, err := complexity.NewTable(cfg.RoutingOverrides(), cfg.Catalog(), cfg.ValidProviders())
	if err != nil {
		_ = events.Close()
		return nil, nil, nil, fmt.Errorf("build routing table: %w", err)
	}

	executor, err := buildExecutor(cfg)
	if err != nil {
		_ = events.Close()
		return nil, nil, nil, fmt.Errorf("build dispatch executor: %w", err)
	}

	cache := filecache.New(filecache.Options{MaxEntries: cfg.Cache.FileCacheMaxEntries})

	policy := runtime.Policy{
		ReviewLoopThreshold: cfg.General.ReviewLoopThreshold,
		StalledThreshold:    cfg.General.StalledThreshold,
		PromptTokenBudget:   cfg.General.PromptTokenBudget,
		CharsPerPromptToken: cfg.General.CharsPerPromptToken,
		MaxFactsRetrieved:   cfg.General.MaxFactsRetrieved,
		MaxFactTokens:       cfg.General.MaxFactTokens,
		BudgetPolicy:        cfg.ToBudgetPolicy(),
		BreakerThreshold:    cfg.Breaker.Threshold,
		BreakerOpenTimeout:  cfg.Breaker.OpenTimeout.Duration,
	}

	mgr := runtime.New(runtime.Dependencies{
		Events:    events,
		Snapshots: snaps,
		Schemas:   schemas,
		Prompts:   prompt.BuildRegistry(),
		Routing:   table,
		Executor:  executor,
		Cache:     cache,
		Metrics:   reg,
		Telemetry: telStore,
		Logger:    logger,
	}, policy)

	return mgr, events, snaps, nil
}

func main() {
	configPath := flag.String("config", "dispatchd.toml", "path to config file")
	once := flag.Bool("once", false, "run a single housekeeping sweep then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("dispatchd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		logger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/dispatchd.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	reg := metrics.New()

	telemetryPath := config.ExpandHome(cfg.Telemetry.DBPath)
	if err := os.MkdirAll(filepath.Dir(telemetryPath), 0o755); err != nil {
		logger.Error("failed to create telemetry directory", "path", telemetryPath, "error", err)
		os.Exit(1)
	}
	telStore, err := telemetry.Open(telemetryPath)
	if err != nil {
		logger.Error("failed to open telemetry store", "path", telemetryPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = telStore.Close() }()

	mgr, events, snaps, err := buildManager(cfg, reg, telStore, logger.With("component", "runtime"))
	if err != nil {
		logger.Error("failed to build runtime manager", "error", err)
		os.Exit(1)
	}
	defer func() { _ = events.Close() }()
	defer func() { _ = snaps.Flush() }()

	home := config.ExpandHome(cfg.General.WorkflowHome)
	projects := project.Open(project.Options{Path: filepath.Join(home, "projects.json")})
	pid := os.Getpid()
	if err := projects.RegisterProject(home, filepath.Base(home), pid, false); err != nil {
		logger.Error("failed to register project instance", "error", err)
	}
	if err := projects.CleanupStaleProjects(); err != nil {
		logger.Error("failed to clean up stale project instances", "error", err)
	}
	defer func() {
		if err := projects.UnregisterProject(home, pid); err != nil {
			logger.Error("failed to unregister project instance", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		logger.Info("running single housekeeping sweep (--once mode)")
		resp := mgr.Sweep(ctx)
		if !resp.Success {
			logger.Error("sweep failed", "error", resp.Message)
			os.Exit(1)
		}
		logger.Info("sweep complete", "data", resp.Data)
		return
	}

	sched := tick.New(tick.Config{
		HostPort:     cfg.Temporal.HostPort,
		Namespace:    cfg.Temporal.Namespace,
		TaskQueue:    cfg.Temporal.TaskQueue,
		TickInterval: cfg.General.TickInterval.Duration,
	}, mgr, logger.With("component", "tick"))

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updated, reloadErr := config.Reload(*configPath)
		if reloadErr != nil {
			return reloadErr
		}
		if validateErr := validateRuntimeConfigReload(cfg, updated); validateErr != nil {
			return validateErr
		}
		cfgManager.Set(updated)
		cfg = updated
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("tick scheduler stopped", "error", err)
		}
	}()

	logger.Info("dispatchd running", "workflow_home", cfg.General.WorkflowHome, "tick_interval", cfg.General.TickInterval.Duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			if err := snaps.Flush(); err != nil {
				logger.Error("failed to flush snapshot store", "error", err)
			}
			if err := events.Flush(); err != nil {
				logger.Error("failed to flush event stream", "error", err)
			}
			logger.Info("dispatchd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			logger.Info("received unexpected signal, ignoring", "signal", sig)
		}
	}
}
