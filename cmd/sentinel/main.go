// Sentinel - Behavioral anomaly detection for payment transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/sentinel/internal/api"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/engine"
	"github.com/opensource-finance/sentinel/internal/logger"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, syncLog, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLog()
	slog.SetDefault(log)

	slog.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
	)

	if err := run(cfg); err != nil {
		slog.Error("sentinel stopped with error", "error", err)
		syncLog()
		os.Exit(1)
	}
	slog.Info("sentinel shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	m := metrics.New("sentinel", prometheus.DefaultRegisterer)

	svc, err := engine.New(engine.Options{
		Store:      repo,
		Verdicts:   repo,
		Rules:      repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
		Config:     cfg.Detection,
		VerdictTTL: cfg.Cache.VerdictTTL,
	})
	if err != nil {
		return fmt.Errorf("initialize detection engine: %w", err)
	}
	defer svc.Close()

	// Custom rules are optional; start with none rather than refuse to boot.
	if err := svc.LoadRules(ctx); err != nil {
		slog.Warn("failed to load custom rules", "error", err)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, cfg.Worker.Parallelism)
		if err := asyncWorker.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	srv := api.NewServer(api.Options{
		Server:    cfg.Server,
		Auth:      cfg.Auth,
		RateLimit: cfg.RateLimit,
		Tracing:   cfg.Tracing,
		Service:   svc,
		Counters:  cacheImpl,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"event_bus":  busImpl,
		},
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Version:  Version,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("sentinel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	return runErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  SENTINEL  behavioral anomaly detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyze                          - Analyze a transaction")
	fmt.Println("    POST   /analyze/batch                    - Analyze transactions in order")
	fmt.Println("    GET    /patterns                         - List customer patterns")
	fmt.Println("    GET    /patterns/{customerId}            - Get a customer pattern")
	fmt.Println("    POST   /patterns/{customerId}/build      - Build a pattern from history")
	fmt.Println("    DELETE /patterns                         - Clear all patterns")
	fmt.Println("    GET    /customers/{customerId}/risk-report - Customer risk report")
	fmt.Println("    GET    /config, PUT /config              - Detection config")
	fmt.Println("    GET    /stats, POST /stats/reset         - Detection stats")
	fmt.Println("    GET    /verdicts/{transactionId}         - Look up a verdict")
	fmt.Println("    GET    /rules, POST /rules               - Custom CEL rules")
	fmt.Println("    GET    /health, /ready, /metrics         - Probes")
	fmt.Println()
}
