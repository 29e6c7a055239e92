package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"kvcache/internal/cache"
	"kvcache/internal/cache/cachetest"
	"kvcache/internal/hasher"
	"kvcache/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock *cachetest.Clock) cache.Cache {
		return NewStore(WithClock(clock.Now))
	})
}

func TestStoreGet_Set(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	t.Run("set and get existing key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "key1", "hello"))

		val, ok, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hello", val)
	})

	t.Run("get non-existing key", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("values keep their identity", func(t *testing.T) {
		payload := map[string]any{"n": 1}
		require.NoError(t, store.Set(ctx, "map", payload))

		val, ok, err := store.Get(ctx, "map")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, payload, val)
	})
}

func TestStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.Set(ctx, "key1", "old"))
	require.NoError(t, store.Set(ctx, "key1", "new"))

	val, ok, err := store.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", val)
	assert.Equal(t, 1, store.Len())
}

func TestStoreHashesKeys(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.Set(ctx, "user:42", "alice"))

	store.mu.RLock()
	_, rawPresent := store.data["user:42"]
	_, hashedPresent := store.data[hasher.Hash("user:42")]
	store.mu.RUnlock()

	assert.False(t, rawPresent)
	assert.True(t, hashedPresent)
}

func TestStoreWithHasher(t *testing.T) {
	ctx := context.Background()
	h, err := hasher.New(hasher.BLAKE2b256)
	require.NoError(t, err)

	store := NewStore(WithHasher(h))
	require.NoError(t, store.Set(ctx, "key", "v"))

	store.mu.RLock()
	_, present := store.data[h.Hash("key")]
	store.mu.RUnlock()
	assert.True(t, present)

	val, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestStoreExpiredEntryRemovedOnGet(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	store := NewStore(WithClock(clock.Now))

	require.NoError(t, store.SetWithTTL(ctx, "session", "abc", 1000*time.Millisecond))
	assert.Equal(t, 1, store.Len())

	clock.Advance(1000 * time.Millisecond)

	_, ok, err := store.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestStoreCleanup(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	reg := metrics.NewRegistry()
	store := NewStore(WithClock(clock.Now), WithMetrics(reg))

	require.NoError(t, store.SetWithTTL(ctx, "a", 1, 1000*time.Millisecond))
	require.NoError(t, store.SetWithTTL(ctx, "b", 2, 2000*time.Millisecond))
	require.NoError(t, store.Set(ctx, "c", 3))

	clock.Advance(1500 * time.Millisecond)

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, store.Len())

	removed, err = store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	assert.EqualValues(t, 2, reg.Value(metrics.CleanupRunsTotal))
	assert.EqualValues(t, 1, reg.Value(metrics.CleanupRemovedTotal))
}

func TestStoreMetrics(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	reg := metrics.NewRegistry()
	store := NewStore(WithClock(clock.Now), WithMetrics(reg))

	require.NoError(t, store.Set(ctx, "hit", "v"))
	require.NoError(t, store.SetWithTTL(ctx, "stale", "v", time.Second))
	clock.Advance(time.Second)

	_, _, _ = store.Get(ctx, "hit")
	_, _, _ = store.Get(ctx, "missing")
	_, _, _ = store.Get(ctx, "stale")
	require.NoError(t, store.Delete(ctx, "hit"))

	assert.EqualValues(t, 2, reg.Value(metrics.CacheSetsTotal))
	assert.EqualValues(t, 3, reg.Value(metrics.CacheGetsTotal))
	assert.EqualValues(t, 1, reg.Value(metrics.CacheHitsTotal))
	assert.EqualValues(t, 2, reg.Value(metrics.CacheMissesTotal))
	assert.EqualValues(t, 1, reg.Value(metrics.CacheExpiredTotal))
	assert.EqualValues(t, 1, reg.Value(metrics.CacheDeletesTotal))
}

func TestStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	store := NewStore(WithClock(clock.Now))

	var wg sync.WaitGroup
	workers := 8
	perWorker := 200

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := strconv.Itoa(w) + ":" + strconv.Itoa(i)
				if i%2 == 0 {
					_ = store.SetWithTTL(ctx, key, i, time.Second)
				} else {
					_ = store.Set(ctx, key, i)
				}
				_, _, _ = store.Get(ctx, key)
				if i%10 == 0 {
					_, _ = store.Cleanup(ctx)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, store.Len())

	clock.Advance(time.Second)
	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker/2, removed)
}
