package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvcache/internal/cache"
	"kvcache/internal/cache/cachetest"
	"kvcache/internal/persist"
)

const dsnEnv = "KVCACHE_TEST_POSTGRES_DSN"

var schemaSeq atomic.Int64

// testSchema returns a fresh schema name and drops it when the test ends.
func testSchema(t *testing.T) (string, string) {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	name := fmt.Sprintf("kvcache_test_%d_%d", time.Now().UnixNano(), schemaSeq.Add(1))
	t.Cleanup(func() {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return
		}
		defer pool.Close()
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{name}.Sanitize()+` CASCADE`)
	})
	return dsn, name
}

func createEntries(ctx context.Context, s persist.Schema, oldVersion, _ int) error {
	if oldVersion < 1 {
		return s.CreateTable(ctx, "entries")
	}
	return nil
}

func TestOpen_RejectsBadSchemaName(t *testing.T) {
	_, err := New("postgres://unused").Open(context.Background(), "bad-name", 1, createEntries)
	assert.Error(t, err)
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New("postgres://kv:kv@127.0.0.1:1/kv?connect_timeout=1").Open(ctx, "kvcache", 1, createEntries)
	assert.Error(t, err)
}

func TestOpen_VersioningAndTx(t *testing.T) {
	dsn, name := testSchema(t)
	ctx := context.Background()

	calls := 0
	upgrade := func(ctx context.Context, s persist.Schema, oldVersion, newVersion int) error {
		calls++
		return createEntries(ctx, s, oldVersion, newVersion)
	}

	conn, err := New(dsn).Open(ctx, name, 1, upgrade)
	require.NoError(t, err)
	defer conn.Close()

	again, err := New(dsn).Open(ctx, name, 1, upgrade)
	require.NoError(t, err)
	require.NoError(t, again.Close())
	assert.Equal(t, 1, calls)

	_, err = New(dsn).Open(ctx, name, 0, upgrade)
	assert.Error(t, err, "opening below the stored version fails")

	_, err = conn.Begin(ctx, "missing", persist.ReadOnly)
	assert.ErrorIs(t, err, persist.ErrNoTable)

	tx, err := conn.Begin(ctx, "entries", persist.ReadOnly)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Put(ctx, persist.Record{Key: "k", Value: []byte("v")}), persist.ErrReadOnly)
	require.NoError(t, tx.Rollback())
}

func TestPersistentCacheOnPostgres(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock *cachetest.Clock) cache.Cache {
		dsn, name := testSchema(t)
		c := persist.New(New(dsn), persist.WithStoreName(name), persist.WithClock(clock.Now))
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}
