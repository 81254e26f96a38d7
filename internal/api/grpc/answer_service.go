// Package grpc provides the Connect service surface for the RAG engine.
package grpc

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/retrieval"
)

// AnswerProcedure is the Connect route for the answer RPC.
const AnswerProcedure = "/rag.v1.AnswerService/Answer"

// AnswerService exposes the retrieval pipeline over Connect.
type AnswerService struct {
	logger  *observability.Logger
	service *retrieval.Service
}

// NewAnswerService creates a new answer service.
func NewAnswerService(logger *observability.Logger, service *retrieval.Service) *AnswerService {
	return &AnswerService{
		logger:  logger,
		service: service,
	}
}

// AnswerRequest represents the Connect request message.
type AnswerRequest struct {
	Question string `json:"question"`
	Domain   string `json:"domain,omitempty"`
}

// AnswerResponse represents the Connect response message.
type AnswerResponse struct {
	Question                string           `json:"question"`
	Answer                  string           `json:"answer"`
	Answer2                 *string          `json:"answer2"`
	Answer3                 *string          `json:"answer3"`
	RetrievedChunksMetadata []*ChunkMetadata `json:"retrieved_chunks_metadata"`
	UsedChunks              []*UsedChunk     `json:"used_chunks"`
	Mode                    string           `json:"mode"`
	SourcesUsed             string           `json:"sources_used"`
	DecisionExplain         *DecisionExplain `json:"decision_explain"`
}

// ChunkMetadata represents one retrieved row in Connect.
type ChunkMetadata struct {
	ChunkID     string  `json:"chunk_id"`
	DocID       string  `json:"doc_id"`
	Source      string  `json:"source"`
	ChunkType   string  `json:"chunk_type"`
	RawScore    float64 `json:"raw_score"`
	Similarity  float64 `json:"similarity"`
	TextPreview string  `json:"text_preview"`
}

// UsedChunk represents one prompt chunk in Connect.
type UsedChunk struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// DecisionExplain represents the mode-decision trace in Connect.
type DecisionExplain struct {
	ScoreMode        string  `json:"score_mode"`
	Distance         string  `json:"distance"`
	MaxSimilarity    float64 `json:"max_similarity"`
	ThresholdLow     float64 `json:"threshold_low"`
	ThresholdHigh    float64 `json:"threshold_high"`
	TopK             int     `json:"top_k"`
	ShortQueryActive bool    `json:"short_query_active"`
	Mode             string  `json:"mode"`
	EffectiveQuery   string  `json:"effective_query"`
	UsedLLM          string  `json:"used_llm"`
	RetrievalTarget  string  `json:"retrieval_target"`
	Reason           string  `json:"reason,omitempty"`
}

// Answer handles Connect answer queries.
func (s *AnswerService) Answer(ctx context.Context, req *connect.Request[AnswerRequest]) (*connect.Response[AnswerResponse], error) {
	msg := req.Msg

	if msg.Question == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("question is required"))
	}

	resp, err := s.service.Answer(ctx, msg.Question, msg.Domain)
	if err != nil {
		s.logger.Error().Err(err).Msg("Answer failed")
		return nil, connect.NewError(connectCode(apperr.KindOf(err)), err)
	}

	return connect.NewResponse(s.toConnectResponse(resp)), nil
}

// Handler returns the Connect HTTP handler for mounting on a router.
func (s *AnswerService) Handler() (string, http.Handler) {
	return AnswerProcedure, connect.NewUnaryHandler(AnswerProcedure, s.Answer)
}

func (s *AnswerService) toConnectResponse(resp *retrieval.Response) *AnswerResponse {
	out := &AnswerResponse{
		Question:                resp.Question,
		Answer:                  resp.Answer,
		Answer2:                 resp.Answer2,
		Answer3:                 resp.Answer3,
		RetrievedChunksMetadata: make([]*ChunkMetadata, 0, len(resp.RetrievedChunksMetadata)),
		UsedChunks:              make([]*UsedChunk, 0, len(resp.UsedChunks)),
		Mode:                    resp.Mode,
		SourcesUsed:             resp.SourcesUsed,
	}

	for _, m := range resp.RetrievedChunksMetadata {
		out.RetrievedChunksMetadata = append(out.RetrievedChunksMetadata, &ChunkMetadata{
			ChunkID:     m.ChunkID,
			DocID:       m.DocID,
			Source:      m.Source,
			ChunkType:   m.ChunkType,
			RawScore:    m.RawScore,
			Similarity:  m.Similarity,
			TextPreview: m.TextPreview,
		})
	}

	for _, u := range resp.UsedChunks {
		out.UsedChunks = append(out.UsedChunks, &UsedChunk{
			ChunkID: u.ChunkID,
			Source:  u.Source,
			Score:   u.Score,
			Snippet: u.Snippet,
		})
	}

	d := resp.DecisionExplain
	out.DecisionExplain = &DecisionExplain{
		ScoreMode:        d.ScoreMode,
		Distance:         d.Distance,
		MaxSimilarity:    d.MaxSimilarity,
		ThresholdLow:     d.ThresholdLow,
		ThresholdHigh:    d.ThresholdHigh,
		TopK:             d.TopK,
		ShortQueryActive: d.ShortQueryActive,
		Mode:             d.Mode,
		EffectiveQuery:   d.EffectiveQuery,
		UsedLLM:          d.UsedLLM,
		RetrievalTarget:  d.RetrievalTarget,
		Reason:           d.Reason,
	}

	return out
}

// connectCode maps domain error kinds to Connect status codes.
func connectCode(kind apperr.Kind) connect.Code {
	switch kind {
	case apperr.KindBadRequest, apperr.KindEmptyPayload, apperr.KindUnknownDomain:
		return connect.CodeInvalidArgument
	case apperr.KindNotFound:
		return connect.CodeNotFound
	case apperr.KindDeadlineExceeded:
		return connect.CodeDeadlineExceeded
	case apperr.KindEmbedFailed, apperr.KindLLMFailed, apperr.KindStoreFailed:
		return connect.CodeUnavailable
	default:
		return connect.CodeInternal
	}
}
