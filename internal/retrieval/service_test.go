package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/config"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/llm"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

// stubStore serves canned search results.
type stubStore struct {
	results []vectorstore.SearchResult
	err     error

	searchedView string
	searchedK    int
}

func (s *stubStore) EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error {
	return nil
}

func (s *stubStore) Upsert(ctx context.Context, table string, rows []vectorstore.Row, dedupe bool) (vectorstore.UpsertResult, error) {
	return vectorstore.UpsertResult{}, nil
}

func (s *stubStore) EnsureAlias(ctx context.Context, alias, table string) error { return nil }

func (s *stubStore) AliasTarget(ctx context.Context, alias string) (string, error) {
	return alias + "_v1", nil
}

func (s *stubStore) SimilaritySearch(ctx context.Context, view string, query []float32, k int, distance string) ([]vectorstore.SearchResult, error) {
	s.searchedView = view
	s.searchedK = k
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubStore) Count(ctx context.Context, table string) (int, error) { return len(s.results), nil }
func (s *stubStore) Drop(ctx context.Context, table string) error         { return nil }
func (s *stubStore) Close()                                               {}

// stubEmbedder returns a fixed query vector.
type stubEmbedder struct{ err error }

func (e *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, e.err
}

func (e *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

func (e *stubEmbedder) Model() string  { return "stub-embedding-model" }
func (e *stubEmbedder) Dimension() int { return 2 }

func hit(chunkID, docID, source, text string, raw float64, chunkType string) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Row: vectorstore.Row{
			ChunkID: chunkID,
			DocID:   docID,
			Text:    text,
			Metadata: map[string]interface{}{
				"chunk_type": chunkType,
				"source":     source,
			},
		},
		RawScore: raw,
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retrieval.CacheResults = false
	cfg.Retrieval.Hybrid.MinTokensPerChunk = 10
	return cfg
}

func newTestService(cfg *config.Config, store vectorstore.Store, primary, fallback llm.Client, c cache.Client) *Service {
	return NewService(cfg, store, &stubEmbedder{}, primary, fallback, c, observability.DefaultLogger())
}

func TestAnswer_RAGHappyPath(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("fiber_modem_reset_chunk_0001", "fiber_modem_reset", "fiber_manual.pdf",
			"Hold the reset button for 10 seconds.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"Hold the reset button for 10 seconds."}}
	fallback := &llm.MockClient{Replies: []string{"unused"}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)

	assert.Equal(t, ModeRAG, resp.Mode)
	require.Len(t, resp.UsedChunks, 1)
	assert.Equal(t, "fiber_manual.pdf", resp.UsedChunks[0].Source)
	assert.Equal(t, SourcesAll, resp.SourcesUsed)
	assert.Equal(t, "MY_DEMO", resp.DecisionExplain.RetrievalTarget)
	assert.InDelta(t, 0.81, resp.DecisionExplain.MaxSimilarity, 0.0001)
	assert.False(t, resp.DecisionExplain.ShortQueryActive)
	assert.Empty(t, resp.DecisionExplain.Reason)
	assert.Equal(t, primary.ModelName(), resp.DecisionExplain.UsedLLM)
	assert.Nil(t, resp.Answer2)
	assert.Nil(t, resp.Answer3)
	assert.Len(t, fallback.Calls, 0)

	// Prompt carries the context block and the question.
	require.Len(t, primary.Calls, 1)
	assert.Contains(t, primary.Calls[0].User, "[Context]\nHold the reset button for 10 seconds.")
	assert.Contains(t, primary.Calls[0].User, "[Question]\nHow do I reset my fiber modem?")
}

func TestAnswer_ShortQueryFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.ShortQuery = config.ShortQueryConfig{MaxTokens: 2, ThresholdLow: 0.25, ThresholdHigh: 0.95}
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("fiber_modem_reset_chunk_0001", "fiber_modem_reset", "fiber_manual.pdf",
			"Hold the reset button for 10 seconds.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"unused"}}
	fallback := &llm.MockClient{Replies: []string{"A modem connects your home to the network."}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "modem", "")
	require.NoError(t, err)

	// Similarity 0.81 misses the tightened high threshold of 0.95.
	assert.Equal(t, ModeFallback, resp.Mode)
	assert.True(t, resp.DecisionExplain.ShortQueryActive)
	assert.Equal(t, ReasonBelowThresholdHigh, resp.DecisionExplain.Reason)
	assert.Empty(t, resp.UsedChunks)
	assert.Equal(t, SourcesNone, resp.SourcesUsed)
	assert.Len(t, primary.Calls, 0)
	assert.Len(t, fallback.Calls, 1)
}

func TestAnswer_HybridGateMinChunks(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.Hybrid.MinChunksForHybrid = 3
	store := &stubStore{results: []vectorstore.SearchResult{
		// Raw -0.4 normalises to similarity 0.30: inside the hybrid band.
		hit("doc_chunk_0001", "doc", "manual.pdf", "Some loosely related passage.", -0.4, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"unused"}}
	fallback := &llm.MockClient{Replies: []string{"general knowledge answer"}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "How do I configure the advanced settings?", "")
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, resp.Mode)
	assert.Equal(t, ReasonGateMinChunks, resp.DecisionExplain.Reason)
	assert.Empty(t, resp.UsedChunks)
	assert.Equal(t, SourcesNone, resp.SourcesUsed)
}

func TestAnswer_FiguresExcludedFromPromptButKeptInMetadata(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{results: []vectorstore.SearchResult{
		// Figure scores higher than the text chunk.
		hit("doc_chunk_fig_001", "doc", "manual.pdf", "Figure fig_001: reset button location", 0.8, "figure"),
		hit("doc_chunk_0001", "doc", "manual.pdf", "Press and hold the recessed button.", 0.4, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"Press and hold the recessed button."}}
	fallback := &llm.MockClient{}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "Where is the reset button on the device?", "")
	require.NoError(t, err)

	// Decision uses the figure's similarity (0.9), context does not.
	assert.Equal(t, ModeRAG, resp.Mode)
	assert.InDelta(t, 0.9, resp.DecisionExplain.MaxSimilarity, 0.0001)
	require.Len(t, resp.RetrievedChunksMetadata, 2)
	require.Len(t, resp.UsedChunks, 1)
	assert.Equal(t, "doc_chunk_0001", resp.UsedChunks[0].ChunkID)
	assert.Equal(t, SourcesPartial, resp.SourcesUsed)
	assert.NotContains(t, primary.Calls[0].User, "Figure fig_001")
}

func TestAnswer_NoContextTokenTriggersFallbackModel(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("doc_chunk_0001", "doc", "manual.pdf", "Completely unrelated passage text.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"NO_CONTEXT"}}
	fallback := &llm.MockClient{Replies: []string{"Here is what I know in general."}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "What colour is the sky on Mars?", "")
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, resp.Mode)
	assert.Equal(t, ReasonLLMNoContextToken, resp.DecisionExplain.Reason)
	assert.Equal(t, "Here is what I know in general.", resp.Answer)
	assert.Equal(t, fallback.ModelName(), resp.DecisionExplain.UsedLLM)
	assert.Empty(t, resp.UsedChunks)
	assert.Equal(t, SourcesNone, resp.SourcesUsed)
	require.Len(t, fallback.Calls, 1)
	// Fallback model gets the bare question, no context block.
	assert.Equal(t, "What colour is the sky on Mars?", fallback.Calls[0].User)
}

func TestAnswer_EmptyPrimaryAnswerTriggersFallbackModel(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("doc_chunk_0001", "doc", "manual.pdf", "Some relevant passage for this one.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{""}}
	fallback := &llm.MockClient{Replies: []string{"fallback answer"}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, resp.Mode)
	assert.Equal(t, ReasonLLMEmpty, resp.DecisionExplain.Reason)
}

func TestAnswer_NoResultsFallsBack(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{}
	primary := &llm.MockClient{Replies: []string{"unused"}}
	fallback := &llm.MockClient{Replies: []string{"general answer"}}

	svc := newTestService(cfg, store, primary, fallback, nil)
	resp, err := svc.Answer(context.Background(), "Is there anything indexed at all?", "")
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, resp.Mode)
	assert.Equal(t, ReasonBelowThresholdLow, resp.DecisionExplain.Reason)
	assert.Empty(t, resp.RetrievedChunksMetadata)
}

func TestAnswer_EmptyQuestionRejected(t *testing.T) {
	svc := newTestService(testConfig(), &stubStore{}, &llm.MockClient{}, &llm.MockClient{}, nil)

	_, err := svc.Answer(context.Background(), "   ", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestAnswer_UnknownDomainRejected(t *testing.T) {
	svc := newTestService(testConfig(), &stubStore{}, &llm.MockClient{}, &llm.MockClient{}, nil)

	_, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnknownDomain, apperr.KindOf(err))
}

func TestAnswer_DomainKeySelectsAlias(t *testing.T) {
	cfg := testConfig()
	cfg.Embeddings.Domains = map[string]config.DomainConfig{
		"billing": {IndexName: "BILLING_v1", AliasName: "BILLING"},
	}
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("b_chunk_0001", "b", "billing.pdf", "Invoices are issued monthly by default.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"Invoices are issued monthly."}}

	svc := newTestService(cfg, store, primary, &llm.MockClient{}, nil)
	resp, err := svc.Answer(context.Background(), "When are invoices issued for my account?", "billing")
	require.NoError(t, err)

	assert.Equal(t, "BILLING", store.searchedView)
	assert.Equal(t, "BILLING", resp.DecisionExplain.RetrievalTarget)
}

func TestAnswer_EmbedFailureSurfaces(t *testing.T) {
	cfg := testConfig()
	svc := NewService(cfg, &stubStore{}, &stubEmbedder{err: errors.New("boom")},
		&llm.MockClient{}, &llm.MockClient{}, nil, observability.DefaultLogger())

	_, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmbedFailed, apperr.KindOf(err))
}

func TestAnswer_CachedResponseSkipsPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.CacheResults = true
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("doc_chunk_0001", "doc", "manual.pdf", "Hold the reset button for 10 seconds.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"Hold the reset button."}}
	mem := cache.NewMemoryClient(100)

	svc := newTestService(cfg, store, primary, &llm.MockClient{}, mem)

	first, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)
	second, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)

	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Mode, second.Mode)
	// Only the first call reached the model.
	assert.Len(t, primary.Calls, 1)
}

func TestAnswer_IdempotentDecision(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{results: []vectorstore.SearchResult{
		hit("doc_chunk_0001", "doc", "manual.pdf", "Hold the reset button for 10 seconds.", 0.62, "text"),
	}}
	primary := &llm.MockClient{Replies: []string{"first answer", "second answer"}}

	svc := newTestService(cfg, store, primary, &llm.MockClient{}, nil)

	first, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)
	second, err := svc.Answer(context.Background(), "How do I reset my fiber modem?", "")
	require.NoError(t, err)

	// Answers may differ; the decision must not.
	assert.Equal(t, first.Mode, second.Mode)
	assert.Equal(t, first.DecisionExplain, second.DecisionExplain)
}
