// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/spherical/libs/rag-engine/cmd/rag-engine-api/handlers"
	"github.com/spherical-ai/spherical/libs/rag-engine/cmd/rag-engine-api/middleware"
	apigrpc "github.com/spherical-ai/spherical/libs/rag-engine/internal/api/grpc"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/ingest"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// Services bundles the wired dependencies the router mounts.
type Services struct {
	Retrieval    *retrieval.Service
	Orchestrator *ingest.Orchestrator
	Store        vectorstore.Store
	Embedder     embedding.Embedder
	Primary      llm.Client
	Fallback     llm.Client
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, svcs Services) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

	chatHandler := handlers.NewChatHandler(logger, svcs.Retrieval)
	ingestionHandler := handlers.NewIngestionHandler(logger, svcs.Orchestrator)
	healthHandler := handlers.NewHealthHandler(
		logger, svcs.Store, svcs.Embedder, svcs.Primary, svcs.Fallback, cfg.Embeddings.Alias.Name)

	r.Get("/healthz", healthHandler.Healthz)

	r.Post("/chat", chatHandler.Chat)

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", ingestionHandler.Upload)
		r.Get("/{uploadID}", ingestionHandler.GetUpload)
	})

	r.Route("/ingest/jobs", func(r chi.Router) {
		r.Post("/", ingestionHandler.CreateJob)
		r.Get("/{jobID}", ingestionHandler.GetJob)
	})

	// Connect surface for RPC clients alongside the REST routes.
	answerService := apigrpc.NewAnswerService(logger, svcs.Retrieval)
	procedure, handler := answerService.Handler()
	r.Handle(procedure, handler)

	return r
}
