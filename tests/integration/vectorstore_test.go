package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/embedding"
	"github.com/spherical-ai/spherical/libs/rag-engine/internal/vectorstore"
)

const testDim = 8

func embeddedRow(t *testing.T, embedder *embedding.MockClient, chunkID, docID, text string) vectorstore.Row {
	t.Helper()
	vec, err := embedder.EmbedQuery(context.Background(), text)
	require.NoError(t, err)
	return vectorstore.Row{
		ChunkID:   chunkID,
		DocID:     docID,
		Text:      text,
		Metadata:  map[string]interface{}{"source": docID, "distance_metric": vectorstore.DistanceDotProduct},
		Embedding: vec,
		HashNorm:  "hash-" + chunkID,
	}
}

func TestPostgresStore_UpsertSearchAndDedupe(t *testing.T) {
	skipUnlessDocker(t)

	ctx := context.Background()
	store := startPostgres(t)
	embedder := embedding.NewMockClient(testDim)

	require.NoError(t, store.EnsureIndexTable(ctx, "support_v1", testDim, vectorstore.DistanceDotProduct))

	rows := []vectorstore.Row{
		embeddedRow(t, embedder, "c1", "modem-guide", "Hold the reset button for ten seconds."),
		embeddedRow(t, embedder, "c2", "modem-guide", "The status light turns green once the modem is online."),
	}
	res, err := store.Upsert(ctx, "support_v1", rows, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Skipped)

	// Re-upserting the same hashes is a no-op.
	res, err = store.Upsert(ctx, "support_v1", rows, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Skipped)

	n, err := store.Count(ctx, "support_v1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Mock embeddings are unit vectors, so an identical query text scores
	// an inner product of 1 and ranks first.
	query, err := embedder.EmbedQuery(ctx, "The status light turns green once the modem is online.")
	require.NoError(t, err)
	hits, err := store.SimilaritySearch(ctx, "support_v1", query, 2, vectorstore.DistanceDotProduct)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c2", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].RawScore, 1e-4)
	assert.Equal(t, "modem-guide", hits[0].Metadata["source"])
}

func TestPostgresStore_AliasRotation(t *testing.T) {
	skipUnlessDocker(t)

	ctx := context.Background()
	store := startPostgres(t)
	embedder := embedding.NewMockClient(testDim)

	require.NoError(t, store.EnsureIndexTable(ctx, "kb_v1", testDim, vectorstore.DistanceDotProduct))
	require.NoError(t, store.EnsureIndexTable(ctx, "kb_v2", testDim, vectorstore.DistanceDotProduct))

	_, err := store.Upsert(ctx, "kb_v1", []vectorstore.Row{
		embeddedRow(t, embedder, "old", "d1", "old content"),
	}, false)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "kb_v2", []vectorstore.Row{
		embeddedRow(t, embedder, "new-a", "d2", "new content a"),
		embeddedRow(t, embedder, "new-b", "d2", "new content b"),
	}, false)
	require.NoError(t, err)

	require.NoError(t, store.EnsureAlias(ctx, "kb", "kb_v1"))
	target, err := store.AliasTarget(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, "kb_v1", target)

	n, err := store.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Rotation repoints reads without touching the physical tables.
	require.NoError(t, store.EnsureAlias(ctx, "kb", "kb_v2"))
	target, err = store.AliasTarget(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, "kb_v2", target)

	n, err = store.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Retired versions can be dropped once the alias has moved on.
	require.NoError(t, store.Drop(ctx, "kb_v1"))
	_, err = store.Count(ctx, "kb_v1")
	assert.Error(t, err)
}

func TestPostgresStore_DimensionDrift(t *testing.T) {
	skipUnlessDocker(t)

	ctx := context.Background()
	store := startPostgres(t)

	require.NoError(t, store.EnsureIndexTable(ctx, "drift_v1", testDim, vectorstore.DistanceDotProduct))

	err := store.EnsureIndexTable(ctx, "drift_v1", testDim*2, vectorstore.DistanceDotProduct)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSchemaDrift, apperr.KindOf(err))
}

func TestPostgresStore_UnknownAlias(t *testing.T) {
	skipUnlessDocker(t)

	store := startPostgres(t)

	_, err := store.AliasTarget(context.Background(), "never_created")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
