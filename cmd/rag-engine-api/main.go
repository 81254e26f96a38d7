// Package main provides the RAG engine API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/ingest"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/sanitize"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

func main() {
	// Local development picks up credentials from .env; absence is fine.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "rag-engine-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("alias", cfg.Embeddings.Alias.Name).
		Str("score_mode", cfg.Retrieval.ScoreMode).
		Msg("Starting RAG engine API")

	ctx := context.Background()

	store, err := vectorstore.NewPostgresStore(ctx, vectorstore.PostgresConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect vector store")
		os.Exit(1)
	}
	defer store.Close()

	var answerCache cache.Client
	if cfg.Cache.Driver == "redis" {
		answerCache, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect Redis")
			os.Exit(1)
		}
	} else {
		answerCache = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}
	defer answerCache.Close()

	embedder, err := embedding.NewClient(embedding.Config{
		APIKey:          cfg.Embeddings.APIKey,
		Model:           cfg.Embeddings.Model,
		BaseURL:         cfg.Embeddings.BaseURL,
		Dimension:       cfg.Embeddings.Dimension,
		BatchSize:       cfg.Embeddings.Batching.BatchSize,
		RateLimitPerMin: cfg.Embeddings.Batching.RateLimitPerMin,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create embedding client")
		os.Exit(1)
	}

	primary, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLM.Primary.BaseURL,
		APIKey:      cfg.LLM.Primary.APIKey,
		Model:       cfg.LLM.Primary.Model,
		Temperature: cfg.LLM.Primary.Temperature,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create primary LLM client")
		os.Exit(1)
	}
	fallback, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLM.Fallback.BaseURL,
		APIKey:      cfg.LLM.Fallback.APIKey,
		Model:       cfg.LLM.Fallback.Model,
		Temperature: cfg.LLM.Fallback.Temperature,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create fallback LLM client")
		os.Exit(1)
	}

	var audit *sanitize.AuditWriter
	if cfg.Sanitizer.AuditEnabled {
		audit, err = sanitize.NewAuditWriter(cfg.Sanitizer.AuditPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open sanitizer audit log")
			os.Exit(1)
		}
	}
	sanitizer := sanitize.New(sanitize.Config{
		Mode:            cfg.Sanitizer.Mode,
		Profile:         cfg.Sanitizer.Profile,
		ConfigDir:       cfg.Sanitizer.ConfigDir,
		PlaceholderMode: cfg.Sanitizer.PlaceholderMode,
		HashSalt:        cfg.Sanitizer.HashSalt,
		AuditEnabled:    cfg.Sanitizer.AuditEnabled,
	}, logger, audit)

	uploads, err := ingest.NewUploadStore(cfg.Ingest.StagingDir, cfg.MaxUploadBytes(), cfg.Ingest.AllowMime, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create upload store")
		os.Exit(1)
	}
	registry, err := ingest.NewRegistry(cfg.Ingest.StateDir)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job registry")
		os.Exit(1)
	}

	orchestrator := ingest.NewOrchestrator(cfg, uploads, registry, store, embedder, sanitizer, answerCache, logger)
	retrievalService := retrieval.NewService(cfg, store, embedder, primary, fallback, answerCache, logger)

	router := NewRouter(logger, cfg, Services{
		Retrieval:    retrievalService,
		Orchestrator: orchestrator,
		Store:        store,
		Embedder:     embedder,
		Primary:      primary,
		Fallback:     fallback,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	// Let in-flight ingestion jobs reach a terminal state before exit.
	orchestrator.Wait()

	logger.Info().Msg("Server stopped")
}
