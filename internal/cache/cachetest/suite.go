package cachetest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvcache/internal/cache"
)

// Factory builds a fresh, empty cache driven by clock.
type Factory func(t *testing.T, clock *Clock) cache.Cache

// Run exercises the behavior every backing shares. Values are strings so the
// suite also holds for backings that serialize values.
func Run(t *testing.T, newCache Factory) {
	ctx := context.Background()

	t.Run("set then get without ttl survives any advance", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.Set(ctx, "key", "value"))
		assertValue(t, c, "key", "value")

		clock.Advance(100 * 365 * 24 * time.Hour)
		assertValue(t, c, "key", "value")
	})

	t.Run("ttl expires after advance", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "key", "value", time.Second))
		assertValue(t, c, "key", "value")

		clock.Advance(999 * time.Millisecond)
		assertValue(t, c, "key", "value")

		clock.Advance(time.Millisecond)
		assertMissing(t, c, "key")
	})

	t.Run("ttl expires well past deadline", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "key", "value", time.Second))
		clock.Advance(1500 * time.Millisecond)
		assertMissing(t, c, "key")
	})

	t.Run("ttl reaching past 2262", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)
		year := 365 * 24 * time.Hour

		require.NoError(t, c.SetWithTTL(ctx, "key", "value", 250*year))
		assertValue(t, c, "key", "value")

		clock.Advance(249 * year)
		assertValue(t, c, "key", "value")

		clock.Advance(year)
		assertMissing(t, c, "key")
	})

	t.Run("sub-millisecond ttl is readable right away", func(t *testing.T) {
		c := newCache(t, NewClock())

		require.NoError(t, c.SetWithTTL(ctx, "key", "value", time.Microsecond))
		assertValue(t, c, "key", "value")
	})

	t.Run("zero and negative ttl read as expired", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "zero", "v", 0))
		require.NoError(t, c.SetWithTTL(ctx, "negative", "v", -time.Minute))

		assertMissing(t, c, "zero")
		assertMissing(t, c, "negative")
	})

	t.Run("expired entry is removed by get", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "key", "value", time.Second))
		clock.Advance(2 * time.Second)
		assertMissing(t, c, "key")

		removed, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed, "get should already have removed the entry")
	})

	t.Run("delete then get", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.Set(ctx, "key", "value"))
		require.NoError(t, c.Delete(ctx, "key"))
		assertMissing(t, c, "key")
	})

	t.Run("delete of a never set key", func(t *testing.T) {
		c := newCache(t, NewClock())

		require.NoError(t, c.Delete(ctx, "never-set"))
		assertMissing(t, c, "never-set")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		c := newCache(t, NewClock())

		require.NoError(t, c.Set(ctx, "key", "value"))
		require.NoError(t, c.Set(ctx, "other", "kept"))
		for i := 0; i < 3; i++ {
			require.NoError(t, c.Delete(ctx, "key"))
		}
		assertMissing(t, c, "key")
		assertValue(t, c, "other", "kept")
	})

	t.Run("overwrite replaces value and expiry", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "key", "v1", time.Second))
		require.NoError(t, c.Set(ctx, "key", "v2"))
		assertValue(t, c, "key", "v2")

		clock.Advance(time.Hour)
		assertValue(t, c, "key", "v2")

		require.NoError(t, c.SetWithTTL(ctx, "key", "v3", time.Second))
		clock.Advance(2 * time.Second)
		assertMissing(t, c, "key")
	})

	t.Run("cleanup removes only expired entries", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "a", "1", 1000*time.Millisecond))
		require.NoError(t, c.SetWithTTL(ctx, "b", "2", 2000*time.Millisecond))
		require.NoError(t, c.Set(ctx, "c", "3"))

		clock.Advance(1500 * time.Millisecond)

		removed, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		assertMissing(t, c, "a")
		assertValue(t, c, "b", "2")
		assertValue(t, c, "c", "3")

		// b keeps its original expiry
		clock.Advance(500 * time.Millisecond)
		assertMissing(t, c, "b")
	})

	t.Run("cleanup with nothing expired is a no-op", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		require.NoError(t, c.SetWithTTL(ctx, "a", "1", time.Minute))
		require.NoError(t, c.Set(ctx, "b", "2"))

		removed, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		assertValue(t, c, "a", "1")
		assertValue(t, c, "b", "2")
	})

	t.Run("cleanup on empty cache", func(t *testing.T) {
		c := newCache(t, NewClock())

		removed, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("cleanup many", func(t *testing.T) {
		clock := NewClock()
		c := newCache(t, clock)

		for i := 0; i < 20; i++ {
			key := "k" + strconv.Itoa(i)
			if i%2 == 0 {
				require.NoError(t, c.SetWithTTL(ctx, key, key, time.Second))
			} else {
				require.NoError(t, c.Set(ctx, key, key))
			}
		}
		clock.Advance(time.Minute)

		removed, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, removed)

		for i := 1; i < 20; i += 2 {
			key := "k" + strconv.Itoa(i)
			assertValue(t, c, key, key)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		c := newCache(t, NewClock())

		require.NoError(t, c.Set(ctx, "user:1", "alice"))
		require.NoError(t, c.Set(ctx, "user:10", "bob"))
		require.NoError(t, c.Set(ctx, "", "empty key"))

		assertValue(t, c, "user:1", "alice")
		assertValue(t, c, "user:10", "bob")
		assertValue(t, c, "", "empty key")
	})
}

func assertValue(t *testing.T, c cache.Cache, key string, want any) {
	t.Helper()
	got, found, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "expected %q to be present", key)
	assert.Equal(t, want, got)
}

func assertMissing(t *testing.T, c cache.Cache, key string) {
	t.Helper()
	got, found, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found, "expected %q to be absent", key)
	assert.Nil(t, got)
}
