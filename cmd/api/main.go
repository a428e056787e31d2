package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"deckforge/internal/api"
	"deckforge/internal/artifact"
	"deckforge/internal/config"
	"deckforge/internal/generate"
	"deckforge/internal/pipeline"
	"deckforge/internal/publicdata"
	"deckforge/internal/queue"
	"deckforge/internal/ratelimit"
	"deckforge/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	limiterRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSubmissionLimiter(limiterRedis, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	server := api.New(cfg, st, orch, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
