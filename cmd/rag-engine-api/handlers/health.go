package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

const healthProbeTimeout = 5 * time.Second

// HealthHandler reports per-dependency health. The endpoint always returns
// 200 so load balancers read the body, not the status.
type HealthHandler struct {
	logger   *observability.Logger
	store    vectorstore.Store
	embedder embedding.Embedder
	primary  llm.Client
	fallback llm.Client
	alias    string
}

// NewHealthHandler creates a health handler probing the default alias.
func NewHealthHandler(
	logger *observability.Logger,
	store vectorstore.Store,
	embedder embedding.Embedder,
	primary, fallback llm.Client,
	alias string,
) *HealthHandler {
	return &HealthHandler{
		logger:   logger,
		store:    store,
		embedder: embedder,
		primary:  primary,
		fallback: fallback,
		alias:    alias,
	}
}

// HealthResponseDTO represents the health report.
type HealthResponseDTO struct {
	OK       bool              `json:"ok"`
	Services map[string]string `json:"services"`
}

// Healthz handles GET /healthz.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	services := map[string]string{
		"vector_store": h.probe(func() error {
			_, err := h.store.AliasTarget(ctx, h.alias)
			return err
		}),
		"embeddings": h.probe(func() error {
			_, err := h.embedder.EmbedQuery(ctx, "healthcheck")
			return err
		}),
		"llm_primary":  h.probe(func() error { return h.primary.Ping(ctx) }),
		"llm_fallback": h.probe(func() error { return h.fallback.Ping(ctx) }),
	}

	ok := true
	for _, status := range services {
		if status != "up" {
			ok = false
			break
		}
	}
	if !ok {
		h.logger.Warn().Interface("services", services).Msg("health degraded")
	}

	writeJSON(w, http.StatusOK, HealthResponseDTO{OK: ok, Services: services})
}

func (h *HealthHandler) probe(fn func() error) string {
	if err := fn(); err != nil {
		return "down (" + err.Error() + ")"
	}
	return "up"
}
