package ttl

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"kvcache/internal/cache/cachetest"
	"kvcache/internal/logs"
	"kvcache/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* ---------------- Mock Sweeper ---------------- */

type mockSweeper struct {
	runs int32
	err  error
}

func (m *mockSweeper) Cleanup(context.Context) (int, error) {
	n := atomic.AddInt32(&m.runs, 1)
	if m.err != nil {
		return 0, m.err
	}
	return int(n), nil
}

func quietLogger() *logs.Logger {
	return logs.NewLogger(10, logs.DEBUG, logs.WithOutput(io.Discard))
}

/* ---------------- Tests ---------------- */

func TestCleaner_RunOnce_RemovesExpired(t *testing.T) {
	ctx := context.Background()
	clock := cachetest.NewClock()
	s := store.NewStore(store.WithClock(clock.Now))
	require.NoError(t, s.SetWithTTL(ctx, "a", 1, time.Second))
	require.NoError(t, s.Set(ctx, "b", 2))

	logger := quietLogger()
	cleaner := NewCleaner(s, time.Second, logger)

	removed, err := cleaner.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(time.Second)
	removed, err = cleaner.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	last := logger.GetLast(1)
	require.Len(t, last, 1)
	assert.Equal(t, "ttl cleaner removed expired keys", last[0].Message)
}

func TestCleaner_RunOnce_LogsFailure(t *testing.T) {
	sweeper := &mockSweeper{err: errors.New("store unavailable")}
	logger := quietLogger()
	cleaner := NewCleaner(sweeper, time.Second, logger)

	_, err := cleaner.runOnce(context.Background())
	assert.Error(t, err)

	last := logger.GetLast(1)
	require.Len(t, last, 1)
	assert.Equal(t, logs.ERROR, last[0].Level)
}

func TestCleaner_Start_RunsPeriodically(t *testing.T) {
	sweeper := &mockSweeper{}
	cleaner := NewCleaner(sweeper, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cleaner.Start(ctx)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.runs) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestCleaner_Start_StopsOnContextCancel(t *testing.T) {
	sweeper := &mockSweeper{}
	cleaner := NewCleaner(sweeper, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		cleaner.Start(ctx)
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}

	runsAtStop := atomic.LoadInt32(&sweeper.runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runsAtStop, atomic.LoadInt32(&sweeper.runs))
}

func TestEvery_Next(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), every(250*time.Millisecond).Next(base))
}
