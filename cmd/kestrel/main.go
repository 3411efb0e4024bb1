// Kestrel - Fraud risk scoring and alerting for insurance claims.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.FileFromEnv(), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"notifier", cfg.Notifier.Type,
		"models", len(cfg.Models.Endpoints),
	)

	if err := run(cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	eng, err := engine.New(engine.Options{
		Config:  cfg,
		Store:   repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, eng, cfg.Worker.Concurrency)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.Tenants,
			Concurrency: cfg.Worker.Concurrency,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:  eng,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Metrics: m,
		Version: Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Intake stops first, then queued alerts drain.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		slog.Error("engine did not drain", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return runErr
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║   Claims Fraud Scoring & Alerting Engine  ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                   - Ingest and score a claim")
	fmt.Println("    POST /claims/{id}/evaluate       - Score a stored claim (?async=true)")
	fmt.Println("    GET  /assessments/{id}           - Get an assessment")
	fmt.Println("    GET  /members/{id}/profile       - Get a member's behavioral profile")
	fmt.Println("    GET  /alerts                     - List alerts")
	fmt.Println("    POST /alerts/{id}/investigations - Open an investigation")
	fmt.Println("    GET  /rules                      - List rules")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println("    GET  /metrics                    - Prometheus metrics")
	fmt.Println()
}
