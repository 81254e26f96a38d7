// Package main provides the RAG engine CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/ingest"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/sanitize"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "rag-engine-cli",
	Short: "RAG engine CLI for ingestion, querying and administration",
	Long: `RAG engine CLI provides commands for managing the document knowledge base.

Use this tool to:
- Stage document uploads and run ingestion jobs
- Ask questions against the active index
- Inspect ingestion job state and evaluation metrics
- Purge superseded index versions

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		level := "warn"
		if outputJSON {
			logFormat = "json"
		}
		if verbose {
			level = cfg.Observability.LogLevel
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "rag-engine-cli",
		})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newUploadsCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newPurgeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore connects to the Postgres vector store.
func openStore(ctx context.Context) (*vectorstore.PostgresStore, error) {
	return vectorstore.NewPostgresStore(ctx, vectorstore.PostgresConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
}

func newEmbedder() (embedding.Embedder, error) {
	return embedding.NewClient(embedding.Config{
		APIKey:          cfg.Embeddings.APIKey,
		Model:           cfg.Embeddings.Model,
		BaseURL:         cfg.Embeddings.BaseURL,
		Dimension:       cfg.Embeddings.Dimension,
		BatchSize:       cfg.Embeddings.Batching.BatchSize,
		RateLimitPerMin: cfg.Embeddings.Batching.RateLimitPerMin,
	})
}

func newLLMClients() (primary, fallback llm.Client, err error) {
	primary, err = llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLM.Primary.BaseURL,
		APIKey:      cfg.LLM.Primary.APIKey,
		Model:       cfg.LLM.Primary.Model,
		Temperature: cfg.LLM.Primary.Temperature,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("primary llm: %w", err)
	}
	fallback, err = llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLM.Fallback.BaseURL,
		APIKey:      cfg.LLM.Fallback.APIKey,
		Model:       cfg.LLM.Fallback.Model,
		Temperature: cfg.LLM.Fallback.Temperature,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fallback llm: %w", err)
	}
	return primary, fallback, nil
}

func newAnswerCache() (cache.Client, error) {
	if cfg.Cache.Driver == "redis" {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil
}

func newUploadStore() (*ingest.UploadStore, error) {
	return ingest.NewUploadStore(cfg.Ingest.StagingDir, cfg.MaxUploadBytes(), cfg.Ingest.AllowMime, logger)
}

// newOrchestrator wires the full ingestion pipeline for in-process job runs.
func newOrchestrator(ctx context.Context) (*ingest.Orchestrator, *vectorstore.PostgresStore, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	embedder, err := newEmbedder()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("embedder: %w", err)
	}

	uploads, err := newUploadStore()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	registry, err := ingest.NewRegistry(cfg.Ingest.StateDir)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	answerCache, err := newAnswerCache()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("cache: %w", err)
	}

	var audit *sanitize.AuditWriter
	if cfg.Sanitizer.AuditEnabled {
		audit, err = sanitize.NewAuditWriter(cfg.Sanitizer.AuditPath)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("sanitizer audit: %w", err)
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

	return ingest.NewOrchestrator(cfg, uploads, registry, store, embedder, sanitizer, answerCache, logger), store, nil
}
