package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

const previewMaxChars = 160

// Service answers questions against the active index.
type Service struct {
	cfg      *config.Config
	store    vectorstore.Store
	embedder embedding.Embedder
	primary  llm.Client
	fallback llm.Client
	cache    cache.Client
	logger   *observability.Logger
}

// NewService wires the retrieval pipeline. The cache client may be nil.
func NewService(
	cfg *config.Config,
	store vectorstore.Store,
	embedder embedding.Embedder,
	primary, fallback llm.Client,
	answerCache cache.Client,
	logger *observability.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		primary:  primary,
		fallback: fallback,
		cache:    answerCache,
		logger:   logger.WithComponent("retrieval"),
	}
}

// Answer runs the full pipeline for one question. domainKey selects a
// domain-specific alias; empty means the default alias.
func (s *Service) Answer(ctx context.Context, question, domainKey string) (*Response, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, apperr.New(apperr.KindBadRequest, "question must not be empty")
	}

	view, err := s.resolveView(domainKey)
	if err != nil {
		return nil, err
	}

	rc := s.cfg.Retrieval
	if cached := s.cacheGet(ctx, view, q); cached != nil {
		return cached, nil
	}

	start := time.Now()

	vec, err := s.embedder.EmbedQuery(ctx, q)
	if err != nil {
		return nil, wrapOutbound(apperr.KindEmbedFailed, "embed query", err)
	}

	results, err := s.store.SimilaritySearch(ctx, view, vec, rc.TopK, rc.Distance)
	if err != nil {
		return nil, wrapOutbound(apperr.KindStoreFailed, "similarity search", err)
	}

	si := ScoreInterpreter{Mode: rc.ScoreMode, Distance: rc.Distance}

	cands := make([]candidate, len(results))
	scores := make([]float64, len(results))
	for i, r := range results {
		cands[i] = candidate{res: r, similarity: si.Similarity(r.RawScore)}
		scores[i] = cands[i].similarity
	}
	maxSim := si.Best(scores)

	short := shortQueryActive(q, rc.ShortQuery.MaxTokens)
	low, high := si.Thresholds(rc, short)

	mode, reason := s.decideMode(si, maxSim, low, high, short, len(results))

	var selected []candidate
	if mode != ModeFallback {
		selected = assembleContext(cands, rc.Hybrid, si)
		if mode == ModeHybrid {
			if gateReason := s.hybridGates(si, maxSim, selected); gateReason != "" {
				mode, reason = ModeFallback, gateReason
				selected = nil
			}
		} else if len(selected) == 0 {
			mode, reason = ModeFallback, ReasonBelowThresholdLow
		}
	}

	answer, usedLLM, mode, reason, selected, err := s.generate(ctx, mode, reason, q, selected)
	if err != nil {
		return nil, err
	}

	resp := s.buildResponse(q, answer, mode, reason, view, usedLLM, si, maxSim, low, high, short, cands, selected)

	s.logger.Info().
		Str("mode", mode).
		Str("view", view).
		Float64("max_similarity", maxSim).
		Bool("short_query", short).
		Int("retrieved", len(results)).
		Int("used", len(selected)).
		Dur("elapsed", time.Since(start)).
		Msg("question answered")

	s.cacheSet(ctx, view, q, resp)
	return resp, nil
}

// HealthCheck pings the store and the primary model.
func (s *Service) HealthCheck(ctx context.Context) error {
	view := s.cfg.Embeddings.Alias.Name
	if _, err := s.store.AliasTarget(ctx, view); err != nil {
		return fmt.Errorf("alias %s: %w", view, err)
	}
	if err := s.primary.Ping(ctx); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	return nil
}

func (s *Service) resolveView(domainKey string) (string, error) {
	if domainKey == "" {
		return s.cfg.Embeddings.Alias.Name, nil
	}
	d, ok := s.cfg.Embeddings.Domains[domainKey]
	if !ok {
		return "", apperr.Newf(apperr.KindUnknownDomain, "unknown domain %q", domainKey)
	}
	return d.AliasName, nil
}

// decideMode maps the best score to a mode. Short queries skip the hybrid
// band entirely: either the tight high threshold is met or the answer falls
// back, with the reason naming which bound failed.
func (s *Service) decideMode(si ScoreInterpreter, maxSim, low, high float64, short bool, retrieved int) (string, string) {
	if retrieved == 0 {
		return ModeFallback, ReasonBelowThresholdLow
	}
	if short && si.Mode != "raw" {
		if si.Meets(maxSim, high) {
			return ModeRAG, ""
		}
		if si.Meets(maxSim, low) {
			return ModeFallback, ReasonBelowThresholdHigh
		}
		return ModeFallback, ReasonBelowThresholdLow
	}

	mode := si.Decide(maxSim, low, high)
	if mode == ModeFallback {
		return mode, ReasonBelowThresholdLow
	}
	return mode, ""
}

// hybridGates verifies the assembled context is substantial enough for
// hybrid mode. Returns the failure reason, or empty when all gates pass.
func (s *Service) hybridGates(si ScoreInterpreter, maxSim float64, selected []candidate) string {
	h := s.cfg.Retrieval.Hybrid

	if h.MinSimilarityForHybrid > 0 && !si.Meets(maxSim, h.MinSimilarityForHybrid) {
		return ReasonGateMinSimilarity
	}
	if len(selected) < h.MinChunksForHybrid {
		return ReasonGateMinChunks
	}
	total := 0
	for _, c := range selected {
		total += len(c.res.Text)
	}
	if total < h.MinTotalContextChars {
		return ReasonGateMinContext
	}
	return ""
}

// generate runs the completion for the decided mode, then applies the
// post-LLM fallback: an empty answer or the literal no-context token retries
// on the fallback model with the bare question.
func (s *Service) generate(ctx context.Context, mode, reason, question string, selected []candidate) (answer, usedLLM, outMode, outReason string, outSelected []candidate, err error) {
	p := s.cfg.Retrieval.Prompts

	if mode == ModeFallback {
		answer, err = s.complete(ctx, s.fallback, p.Fallback, question)
		if err != nil {
			return "", "", "", "", nil, err
		}
		return answer, s.fallback.ModelName(), mode, reason, nil, nil
	}

	system := p.RAG
	if mode == ModeHybrid {
		system = p.Hybrid
	}

	parts := make([]string, len(selected))
	for i, c := range selected {
		parts[i] = c.res.Text
	}
	user := fmt.Sprintf("[Context]\n%s\n[Question]\n%s", strings.Join(parts, "\n\n"), question)

	answer, err = s.complete(ctx, s.primary, system, user)
	if err != nil {
		return "", "", "", "", nil, err
	}

	fallbackReason := ""
	switch {
	case answer == "":
		fallbackReason = ReasonLLMEmpty
	case p.NoContextToken != "" && answer == p.NoContextToken:
		fallbackReason = ReasonLLMNoContextToken
	}
	if fallbackReason == "" {
		return answer, s.primary.ModelName(), mode, reason, selected, nil
	}

	s.logger.Warn().Str("reason", fallbackReason).Msg("primary answer unusable, retrying on fallback model")

	answer, err = s.complete(ctx, s.fallback, p.Fallback, question)
	if err != nil {
		return "", "", "", "", nil, err
	}
	return answer, s.fallback.ModelName(), ModeFallback, fallbackReason, nil, nil
}

func (s *Service) complete(ctx context.Context, client llm.Client, system, user string) (string, error) {
	timeout := s.cfg.LLM.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answer, err := client.Complete(cctx, system, user, s.cfg.Retrieval.Prompts.MaxOutputTokens)
	if err != nil {
		return "", wrapOutbound(apperr.KindLLMFailed, "chat completion", err)
	}
	return strings.TrimSpace(answer), nil
}

func (s *Service) buildResponse(
	question, answer, mode, reason, view, usedLLM string,
	si ScoreInterpreter,
	maxSim, low, high float64,
	short bool,
	cands []candidate,
	selected []candidate,
) *Response {
	meta := make([]ChunkMetadata, len(cands))
	for i, c := range cands {
		meta[i] = ChunkMetadata{
			ChunkID:     c.res.ChunkID,
			DocID:       c.res.DocID,
			Source:      chunkSource(c.res),
			ChunkType:   chunkType(c.res),
			RawScore:    c.res.RawScore,
			Similarity:  c.similarity,
			TextPreview: truncate(c.res.Text, previewMaxChars),
		}
	}

	used := make([]UsedChunk, len(selected))
	for i, c := range selected {
		used[i] = UsedChunk{
			ChunkID: c.res.ChunkID,
			Source:  chunkSource(c.res),
			Score:   c.similarity,
			Snippet: truncate(c.res.Text, snippetMaxChars),
		}
	}

	sources := SourcesNone
	if mode != ModeFallback && len(used) > 0 {
		if len(used) == len(cands) {
			sources = SourcesAll
		} else {
			sources = SourcesPartial
		}
	}

	return &Response{
		Question:                question,
		Answer:                  answer,
		RetrievedChunksMetadata: meta,
		UsedChunks:              used,
		Mode:                    mode,
		SourcesUsed:             sources,
		DecisionExplain: DecisionExplain{
			ScoreMode:        si.Mode,
			Distance:         si.Distance,
			MaxSimilarity:    maxSim,
			ThresholdLow:     low,
			ThresholdHigh:    high,
			TopK:             s.cfg.Retrieval.TopK,
			ShortQueryActive: short,
			Mode:             mode,
			EffectiveQuery:   question,
			UsedLLM:          usedLLM,
			RetrievalTarget:  view,
			Reason:           reason,
		},
	}
}

func (s *Service) cacheGet(ctx context.Context, view, question string) *Response {
	if s.cache == nil || !s.cfg.Retrieval.CacheResults {
		return nil
	}
	data, err := s.cache.Get(ctx, cache.AnswerCacheKey(view, question))
	if err != nil {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	s.logger.Debug().Str("view", view).Msg("answer cache hit")
	return &resp
}

func (s *Service) cacheSet(ctx context.Context, view, question string, resp *Response) {
	if s.cache == nil || !s.cfg.Retrieval.CacheResults {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ttl := s.cfg.Cache.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := s.cache.Set(ctx, cache.AnswerCacheKey(view, question), data, ttl); err != nil {
		s.logger.Warn().Err(err).Msg("answer cache write failed")
	}
}

// wrapOutbound tags an outbound failure, preserving deadline semantics so
// handlers can answer 504 instead of 500.
func wrapOutbound(kind apperr.Kind, detail string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindDeadlineExceeded, detail, err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Upstream(kind, detail, err)
}
