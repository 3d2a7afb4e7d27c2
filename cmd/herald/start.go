package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/herald/internal/bus"
	"github.com/mattjoyce/herald/internal/chat"
	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/dispatch"
	"github.com/mattjoyce/herald/internal/engine"
	"github.com/mattjoyce/herald/internal/job"
	"github.com/mattjoyce/herald/internal/lock"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/observability"
	"github.com/mattjoyce/herald/internal/storage"
	"github.com/mattjoyce/herald/internal/stream"
	"github.com/mattjoyce/herald/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func runSystemStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	withRunner := fs.Bool("with-runner", false, "Also run the engine for runner.id in this process")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.ValidateOrigin(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid origin config: %v\n", err)
		return 1
	}
	if cfg.Bus.URL == bus.MemoryURL && !*withRunner {
		fmt.Fprintln(os.Stderr, "bus.url=memory requires --with-runner")
		return 1
	}
	if *withRunner && cfg.Runner.ID == "" {
		fmt.Fprintln(os.Stderr, "--with-runner requires runner.id")
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("herald origin starting", "version", version, "config", cfg.SourcePath, "with_runner", *withRunner)

	stateDir := filepath.Dir(cfg.State.Path)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "path", stateDir, "error", err)
		return 1
	}
	originLock, err := acquireLock(logger, lock.PathFor(stateDir, "origin", ""))
	if err != nil {
		return 1
	}
	defer originLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	registry := job.NewRegistry(job.WithStore(job.NewSQLiteStore(db)))

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		return 1
	}

	b, err := bus.Open(cfg.Bus.URL, cfg.Bus.Name, cfg.Bus.ReconnectWait, cfg.Bus.ConnectTimeout)
	if err != nil {
		logger.Error("failed to connect to bus", "url", cfg.Bus.URL, "error", err)
		return 1
	}
	defer b.Close()

	disp, err := dispatch.New(registry, b, chat.NewWAHA(cfg.Origin.Chat, nil), dispatch.Options{
		Allowlist:           cfg.BuildAllowlist(),
		Targets:             cfg.Origin.Targets,
		MaxRunningPerOrigin: cfg.Origin.MaxRunningPerOrigin,
		DefaultTimeout:      cfg.Origin.DefaultTimeout,
		SendTimeout:         cfg.Origin.Chat.Timeout,
	}, dispatch.WithMetrics(metrics))
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}

	var eng *engine.Engine
	if *withRunner {
		runnerLock, err := acquireLock(logger, runnerLockPath(cfg))
		if err != nil {
			return 1
		}
		defer runnerLock.Release()

		eng, err = newEngine(cfg, b, metrics)
		if err != nil {
			logger.Error("failed to create engine", "error", err)
			return 1
		}
		if err := eng.Start(ctx); err != nil {
			logger.Error("failed to start engine", "error", err)
			return 1
		}
	}

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		return 1
	}

	whConfig, err := webhook.FromOriginConfig(cfg.Origin)
	if err != nil {
		logger.Error("failed to configure webhook", "error", err)
		return 1
	}
	server := webhook.New(whConfig, disp, log.WithComponent("webhook"), webhook.WithMetrics(metrics, metricsHandler))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	logger.Info("herald running (press Ctrl+C to stop)", "listen", whConfig.Listen, "targets", cfg.Origin.Targets)
	code := waitForShutdown(ctx, logger, b, errCh)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if eng != nil {
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", "error", err)
		}
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown incomplete", "error", err)
	}

	logger.Info("herald stopped")
	return code
}

func runRunnerStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", "", "Target id (overrides runner.id)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *id != "" {
		if err := bus.ValidateID(*id); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --id: %v\n", err)
			return 1
		}
		cfg.Runner.ID = *id
	}
	if err := cfg.ValidateRunner(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid runner config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithTarget(cfg.Runner.ID)
	logger.Info("herald runner starting", "version", version, "config", cfg.SourcePath)

	lockPath := runnerLockPath(cfg)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		logger.Error("failed to create lock directory", "path", lockPath, "error", err)
		return 1
	}
	runnerLock, err := acquireLock(logger, lockPath)
	if err != nil {
		return 1
	}
	defer runnerLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		return 1
	}

	b, err := bus.Open(cfg.Bus.URL, cfg.Bus.Name, cfg.Bus.ReconnectWait, cfg.Bus.ConnectTimeout)
	if err != nil {
		logger.Error("failed to connect to bus", "url", cfg.Bus.URL, "error", err)
		return 1
	}
	defer b.Close()

	eng, err := newEngine(cfg, b, metrics)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	logger.Info("runner ready (press Ctrl+C to stop)")
	code := waitForShutdown(ctx, logger, b, nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	logger.Info("runner stopped")
	return code
}

func newEngine(cfg *config.Config, b bus.Bus, metrics *observability.Metrics) (*engine.Engine, error) {
	return engine.New(b, engine.Options{
		TargetID:    cfg.Runner.ID,
		Allowlist:   cfg.BuildAllowlist(),
		Secrets:     cfg.Runner.Secrets,
		MaxJobs:     cfg.Runner.MaxJobs,
		GracePeriod: cfg.Runner.GracePeriod,
		Stream: stream.Options{
			Window:       cfg.Runner.Stream.Window,
			MaxLines:     cfg.Runner.Stream.MaxLines,
			MaxLineBytes: cfg.Runner.Stream.MaxLineBytes,
		},
	}, engine.WithMetrics(metrics))
}

func runnerLockPath(cfg *config.Config) string {
	if cfg.Runner.LockPath != "" {
		return cfg.Runner.LockPath
	}
	return lock.PathFor(filepath.Dir(cfg.State.Path), "runner", cfg.Runner.ID)
}

func acquireLock(logger *slog.Logger, path string) (*lock.PIDLock, error) {
	l, err := lock.Acquire(path)
	if err != nil {
		logger.Error("failed to acquire lock (another instance may be running)", "path", path, "error", err)
		return nil, err
	}
	logger.Info("acquired lock", "path", path)
	return l, nil
}

// waitForShutdown blocks until a signal, a component error or the bus
// closing for good, and returns the exit code.
func waitForShutdown(ctx context.Context, logger *slog.Logger, b bus.Bus, errCh <-chan error) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	case <-b.Closed():
		logger.Error("bus connection lost for good")
		return 1
	case <-ctx.Done():
		return 0
	}
}
