package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/periop-risk-server/internal/api"
	"github.com/periop-risk-server/internal/config"
	"github.com/periop-risk-server/internal/ingest"
	"github.com/periop-risk-server/internal/logging"
	"github.com/periop-risk-server/internal/pooling"
	"github.com/periop-risk-server/internal/risk"
	"github.com/periop-risk-server/internal/store"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evidenceStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open evidence store")
	}
	defer evidenceStore.Close()

	snapshot, err := store.LoadSnapshot(ctx, evidenceStore)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load evidence snapshot")
	}
	holder := store.NewHolder(snapshot)

	version, _ := snapshot.ActiveVersion(ctx)
	baselines, effects := snapshot.Counts()
	logger.WithFields(map[string]interface{}{
		"evidence_version": version,
		"baselines":        baselines,
		"effects":          effects,
	}).Info("Evidence snapshot loaded")

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid Redis URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Degrade to memory-only caching rather than refusing to serve.
			logger.WithError(err).Warn("Redis unreachable, running with memory cache only")
			redisClient = nil
		}
		defer func() {
			if redisClient != nil {
				redisClient.Close()
			}
		}()
	}

	engine := risk.NewEngine(holder, logger)
	cache := risk.NewAssessmentCache(engine, redisClient, cfg.Cache, logger)
	pooler := pooling.NewEngine(cfg.Pooling, logger)
	ingestSvc := ingest.NewService(evidenceStore, pooler, cfg.Ingest, logger)

	server := api.NewServer(configManager, api.Deps{
		Calculator: cache,
		Ingest:     ingestSvc,
		Source:     evidenceStore,
		Holder:     holder,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}
