// Kestrel - Hybrid rule and gradient-boosted fraud scoring for UPI payments.
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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("KESTREL_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.Logging))

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
		"tracing", cfg.Tracing.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(rules.DefaultCatalogue(), cfg.Rules.Workers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	engine.Threshold = cfg.Rules.Threshold
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"threshold", engine.Threshold,
	)

	// Initialize Decision Processor (TADP)
	processor := tadp.NewProcessorFromConfig(cfg.Decision)
	collector := metrics.NewCollector()

	service := scoring.NewService(engine, model.New(repo), processor, scoring.Options{
		Repository:    repo,
		Cache:         cacheImpl,
		Metrics:       collector,
		PredictionTTL: cfg.Cache.PredictionTTL,
		TrainDefaults: model.TrainOptions{
			TestFraction: cfg.Model.TestFraction,
			Seed:         cfg.Model.Seed,
		},
	})

	if cfg.Model.AutoLoad {
		restoreModel(ctx, service)
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, service)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "topic", domain.TopicTransactionIngested)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, service, repo, cacheImpl, busImpl, collector, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_trained", service.Ready(),
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// restoreModel installs the latest persisted artifact. Starting without one
// is normal: predictions fall back to rules until POST /train.
func restoreModel(ctx context.Context, service *scoring.Service) {
	err := service.Restore(ctx)
	switch {
	case err == nil:
		status := service.Status()
		slog.Info("model restored", "version", status.Version, "features", len(status.FeatureNames))
	case errors.Is(err, repository.ErrNotFound):
		slog.Info("no persisted model - train via POST /train")
	default:
		slog.Warn("failed to restore model, serving rules only", "error", err)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║        Hybrid UPI Fraud Scoring           ║")
	fmt.Println("  ║     Rules first, boosted trees second.    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /train             - Train on a labelled dataset")
	fmt.Println("    POST /predict           - Score a transaction")
	fmt.Println("    POST /predict/batch     - Score many transactions")
	fmt.Println("    GET  /predictions/{id}  - Get a stored verdict")
	fmt.Println("    POST /transactions      - Queue a transaction for async scoring")
	fmt.Println("    GET  /rules             - List the rule catalogue")
	fmt.Println("    POST /rules/apply       - Apply rules to a dataset")
	fmt.Println("    GET  /stats             - Model status and metrics")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
