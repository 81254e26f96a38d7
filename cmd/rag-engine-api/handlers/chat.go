package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/retrieval"
)

// DomainHeader selects the retrieval domain for a chat request.
const DomainHeader = "X-RAG-Domain"

// ModeHeader echoes the answer mode on the response.
const ModeHeader = "X-Answer-Mode"

// ChatHandler answers questions through the retrieval pipeline.
type ChatHandler struct {
	logger  *observability.Logger
	service *retrieval.Service
}

// NewChatHandler creates a chat handler.
func NewChatHandler(logger *observability.Logger, service *retrieval.Service) *ChatHandler {
	return &ChatHandler{logger: logger, service: service}
}

// ChatRequestDTO represents the chat request body.
type ChatRequestDTO struct {
	Question string `json:"question"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindBadRequest, "invalid request body"))
		return
	}

	domain := r.Header.Get(DomainHeader)

	resp, err := h.service.Answer(r.Context(), req.Question, domain)
	if err != nil {
		h.logger.Error().Err(err).Str("domain", domain).Msg("chat request failed")
		writeError(w, err)
		return
	}

	w.Header().Set(ModeHeader, resp.Mode)
	writeJSON(w, http.StatusOK, resp)
}
