package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/cache"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	skipUnlessDocker(t)

	ctx := context.Background()
	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: startRedis(t)})
	require.NoError(t, err)
	defer client.Close()

	key := cache.AnswerCacheKey("MY_DEMO", "how do I reset the modem?")
	_, err = client.Get(ctx, key)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, client.Set(ctx, key, []byte(`{"answer":"hold reset"}`), time.Minute))

	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"hold reset"}`, string(got))

	require.NoError(t, client.Delete(ctx, key))
	_, err = client.Get(ctx, key)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRedisCache_DeleteByPrefixScopesToView(t *testing.T) {
	skipUnlessDocker(t)

	ctx := context.Background()
	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: startRedis(t)})
	require.NoError(t, err)
	defer client.Close()

	demoKey := cache.AnswerCacheKey("MY_DEMO", "question one")
	euKey := cache.AnswerCacheKey("MY_DEMO_EU", "question two")
	billingKey := cache.AnswerCacheKey("BILLING", "question three")
	require.NoError(t, client.Set(ctx, demoKey, []byte("a"), time.Minute))
	require.NoError(t, client.Set(ctx, euKey, []byte("eu"), time.Minute))
	require.NoError(t, client.Set(ctx, billingKey, []byte("b"), time.Minute))

	// Invalidation after an alias rotation only clears that alias's answers;
	// an alias sharing the name as a prefix keeps its entries.
	require.NoError(t, client.DeleteByPrefix(ctx, cache.CacheKey("answer", "MY_DEMO")+":"))

	_, err = client.Get(ctx, demoKey)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	got, err := client.Get(ctx, euKey)
	require.NoError(t, err)
	assert.Equal(t, "eu", string(got))

	got, err = client.Get(ctx, billingKey)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}
