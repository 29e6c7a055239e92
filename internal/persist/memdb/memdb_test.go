package memdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"kvcache/internal/cache"
	"kvcache/internal/cache/cachetest"
	"kvcache/internal/persist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createEntries(ctx context.Context, s persist.Schema, oldVersion, _ int) error {
	if oldVersion < 1 {
		return s.CreateTable(ctx, "entries")
	}
	return nil
}

func openTestConn(t *testing.T) persist.Conn {
	t.Helper()
	conn, err := New().Open(context.Background(), "test", 1, createEntries)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestOpen_RunsUpgradeOnce(t *testing.T) {
	ctx := context.Background()
	opener := New()
	calls := 0
	upgrade := func(ctx context.Context, s persist.Schema, oldVersion, newVersion int) error {
		calls++
		assert.Equal(t, 0, oldVersion)
		assert.Equal(t, 1, newVersion)
		return s.CreateTable(ctx, "entries")
	}

	_, err := opener.Open(ctx, "db", 1, upgrade)
	require.NoError(t, err)
	_, err = opener.Open(ctx, "db", 1, upgrade)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestOpen_RejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	opener := New()

	_, err := opener.Open(ctx, "db", 2, createEntries)
	require.NoError(t, err)

	_, err = opener.Open(ctx, "db", 1, createEntries)
	assert.Error(t, err)
}

func TestOpen_UpgradeFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := New().Open(context.Background(), "db", 1, func(context.Context, persist.Schema, int, int) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestBegin_UnknownTable(t *testing.T) {
	conn := openTestConn(t)

	_, err := conn.Begin(context.Background(), "missing", persist.ReadOnly)
	assert.ErrorIs(t, err, persist.ErrNoTable)
}

func TestTx_ReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	tx, err := conn.Begin(ctx, "entries", persist.ReadOnly)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.Put(ctx, persist.Record{Key: "k"}), persist.ErrReadOnly)
	assert.ErrorIs(t, tx.Delete(ctx, "k"), persist.ErrReadOnly)
}

func TestTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, err := conn.Begin(ctx, "entries", persist.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, persist.Record{Key: "a", Value: []byte("1"), ExpiresAt: exp}))

	rec, ok, err := tx.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok, "a transaction sees its own writes")
	assert.Equal(t, []byte("1"), rec.Value)
	require.NoError(t, tx.Commit())

	tx, err = conn.Begin(ctx, "entries", persist.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "a"))
	require.NoError(t, tx.Rollback())

	tx, err = conn.Begin(ctx, "entries", persist.ReadOnly)
	require.NoError(t, err)
	rec, ok, err = tx.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok, "rolled back delete must not apply")
	assert.Equal(t, "a", rec.Key)
	assert.True(t, exp.Equal(rec.ExpiresAt))
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), persist.ErrTxDone)
}

func TestTx_GetAllMergesPending(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	tx, err := conn.Begin(ctx, "entries", persist.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, persist.Record{Key: "a", Value: []byte("1")}))
	require.NoError(t, tx.Put(ctx, persist.Record{Key: "b", Value: []byte("2")}))
	require.NoError(t, tx.Commit())

	tx, err = conn.Begin(ctx, "entries", persist.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "a"))
	require.NoError(t, tx.Put(ctx, persist.Record{Key: "c", Value: []byte("3")}))

	all, err := tx.GetAll(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(all))
	for _, rec := range all {
		keys = append(keys, rec.Key)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, keys)
	require.NoError(t, tx.Rollback())
}

func TestConn_ClosedRejectsBegin(t *testing.T) {
	conn := openTestConn(t)
	require.NoError(t, conn.Close())

	_, err := conn.Begin(context.Background(), "entries", persist.ReadOnly)
	assert.Error(t, err)
}

func TestPersistentCacheOnMemdb(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock *cachetest.Clock) cache.Cache {
		c := persist.New(New(), persist.WithClock(clock.Now))
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}
