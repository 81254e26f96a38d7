package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/observability"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

func seedEvalTable(t *testing.T, store *vectorstore.MemoryStore, embedder *embedding.MockClient, table string, docs map[string]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexTable(ctx, table, embedder.Dimension(), vectorstore.DistanceDotProduct))

	var rows []vectorstore.Row
	for docID, text := range docs {
		vec, err := embedder.EmbedQuery(ctx, text)
		require.NoError(t, err)
		rows = append(rows, vectorstore.Row{
			ChunkID:   docID + "#0000",
			DocID:     docID,
			Text:      text,
			Embedding: vec,
		})
	}
	_, err := store.Upsert(ctx, table, rows, false)
	require.NoError(t, err)
}

func TestEvaluator_Run(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	embedder := embedding.NewMockClient(8)

	// A row embedded from the query text itself is guaranteed to rank first.
	seedEvalTable(t, store, embedder, "eval_v1", map[string]string{
		"reset_guide": "how do I reset the modem",
		"other_doc":   "billing plans and invoices explained",
	})

	queries := []GoldenQuery{
		{Query: "how do I reset the modem", ExpectedDocIDs: []string{"reset_guide"}, ExpectedPhrase: "reset the modem"},
		{Query: "completely unrelated question", ExpectedDocIDs: []string{"no_such_doc"}},
	}

	e := NewEvaluator(store, embedder, observability.DefaultLogger())
	m, err := e.Run(context.Background(), "eval_v1", queries, 5, vectorstore.DistanceDotProduct)
	require.NoError(t, err)

	assert.Equal(t, 0.5, m.HitRate)
	assert.Equal(t, 0.5, m.MRR)
	// Only the first query declares a phrase, and it matches.
	assert.Equal(t, 1.0, m.PhraseHitRate)
}

func TestEvaluator_EmptySetYieldsZeroes(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	embedder := embedding.NewMockClient(8)
	seedEvalTable(t, store, embedder, "eval_v1", map[string]string{"doc": "some text"})

	e := NewEvaluator(store, embedder, observability.DefaultLogger())
	m, err := e.Run(context.Background(), "eval_v1", nil, 5, vectorstore.DistanceDotProduct)
	require.NoError(t, err)
	assert.Zero(t, m.HitRate)
	assert.Zero(t, m.MRR)
	assert.Zero(t, m.PhraseHitRate)
}

func TestLoadGoldenQueries(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "golden.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`queries:
  - query: "how do I reset the modem"
    expected_doc_ids: ["reset_guide"]
    expected_phrase: "reset button"
  - query: "what plans are available"
    expected_doc_ids: ["pricing", "plans"]
`), 0o644))

	queries, err := LoadGoldenQueries(good)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, "reset button", queries[0].ExpectedPhrase)
	assert.Equal(t, []string{"pricing", "plans"}, queries[1].ExpectedDocIDs)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("queries:\n  - query: \"orphan\"\n"), 0o644))
	_, err = LoadGoldenQueries(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected_doc_ids")
}
