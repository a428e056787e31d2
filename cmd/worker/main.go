package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"deckforge/internal/artifact"
	"deckforge/internal/config"
	"deckforge/internal/generate"
	"deckforge/internal/pipeline"
	"deckforge/internal/publicdata"
	"deckforge/internal/queue"
	"deckforge/internal/store"
	"deckforge/internal/telemetry"
	workerproc "deckforge/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	artifacts, err := artifact.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	provider, err := generate.NewProvider(ctx, generate.ProviderConfig{
		Provider: cfg.GenProvider,
		APIKey:   cfg.GenAPIKey,
		Model:    cfg.GenModel,
	})
	if err != nil {
		log.Fatalf("init generation provider: %v", err)
	}
	gen := generate.NewGenerator(provider, logger, cfg.GenAttempts, cfg.GenBackoffBase, cfg.GenBackoffMax)
	fetcher := publicdata.New(cfg.PublicFetchTimeout, logger)
	orch := pipeline.NewOrchestrator(st, q, q, artifacts, fetcher, gen, cfg, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	processor := workerproc.NewProcessor(cfg, q, orch, logger)
	logger.Info("worker started", "visibility", cfg.VisibilityTimeout.String(), "poll", cfg.WorkerPollInterval.String())
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", "error", err)
	}
}
