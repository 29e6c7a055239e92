// Package redis stores cache records in Redis hashes.
//
// A store name is a key prefix: each table is the hash "<name>:<table>", the
// set "<name>:__tables" lists created tables and "<name>:__version" holds the
// schema version. Reads go straight to the server; writes are queued in a
// MULTI/EXEC pipeline that runs on Commit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"kvcache/internal/persist"
)

// Config describes the Redis server.
type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Opener connects to Redis once per Open.
type Opener struct {
	config Config
}

var _ persist.Opener = (*Opener)(nil)

func New(config Config) *Opener {
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	return &Opener{config: config}
}

func (o *Opener) Open(ctx context.Context, name string, version int, upgrade persist.UpgradeFunc) (persist.Conn, error) {
	if name == "" {
		return nil, errors.New("redis: empty store name")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     o.config.Address,
		Password: o.config.Password,
		DB:       o.config.DB,
		PoolSize: o.config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := &conn{rdb: rdb, name: name}
	if err := c.migrate(ctx, version, upgrade); err != nil {
		rdb.Close()
		return nil, err
	}
	return c, nil
}

type conn struct {
	rdb  *redis.Client
	name string

	// serializes read-write transactions of this connection
	writeMu sync.Mutex
}

func (c *conn) versionKey() string          { return c.name + ":__version" }
func (c *conn) tablesKey() string           { return c.name + ":__tables" }
func (c *conn) hashKey(table string) string { return c.name + ":" + table }

func (c *conn) migrate(ctx context.Context, version int, upgrade persist.UpgradeFunc) error {
	stored, err := c.rdb.Get(ctx, c.versionKey()).Int()
	if errors.Is(err, redis.Nil) {
		stored = 0
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if err := persist.CheckVersion(c.name, stored, version); err != nil {
		return err
	}
	if stored == version {
		return nil
	}

	if upgrade != nil {
		if err := upgrade(ctx, schema{c}, stored, version); err != nil {
			return fmt.Errorf("failed to upgrade schema: %w", err)
		}
	}
	if err := c.rdb.Set(ctx, c.versionKey(), version, 0).Err(); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

type schema struct{ c *conn }

func (s schema) CreateTable(ctx context.Context, table string) error {
	if table == "" {
		return errors.New("redis: empty table name")
	}
	if err := s.c.rdb.SAdd(ctx, s.c.tablesKey(), table).Err(); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (c *conn) Begin(ctx context.Context, table string, mode persist.Mode) (persist.Tx, error) {
	ok, err := c.rdb.SIsMember(ctx, c.tablesKey(), table).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", persist.ErrNoTable, table)
	}

	t := &tx{ctx: ctx, conn: c, key: c.hashKey(table), mode: mode}
	if mode == persist.ReadWrite {
		c.writeMu.Lock()
		t.pipe = c.rdb.TxPipeline()
	}
	return t, nil
}

func (c *conn) Close() error {
	return c.rdb.Close()
}

// field is the JSON form of a record inside the hash.
type field struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

func encode(rec persist.Record) ([]byte, error) {
	f := field{Value: rec.Value}
	if !rec.ExpiresAt.IsZero() {
		f.ExpiresAt = persist.ExpiryMillis(rec.ExpiresAt)
	}
	return json.Marshal(f)
}

func decode(key, raw string) (persist.Record, error) {
	var f field
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return persist.Record{}, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	rec := persist.Record{Key: key, Value: f.Value}
	if f.ExpiresAt != 0 {
		rec.ExpiresAt = persist.ExpiryFromMillis(f.ExpiresAt)
	}
	return rec, nil
}

type tx struct {
	// ctx of Begin, used to execute the pipeline
	ctx  context.Context
	conn *conn
	key  string
	mode persist.Mode
	pipe redis.Pipeliner
	done bool
}

func (t *tx) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	if t.done {
		return persist.Record{}, false, persist.ErrTxDone
	}
	raw, err := t.conn.rdb.HGet(ctx, t.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return persist.Record{}, false, nil
	}
	if err != nil {
		return persist.Record{}, false, fmt.Errorf("failed to get record: %w", err)
	}
	rec, err := decode(key, raw)
	if err != nil {
		return persist.Record{}, false, err
	}
	return rec, true, nil
}

func (t *tx) Put(ctx context.Context, rec persist.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	t.pipe.HSet(ctx, t.key, rec.Key, raw)
	return nil
}

func (t *tx) Delete(ctx context.Context, key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.pipe.HDel(ctx, t.key, key)
	return nil
}

func (t *tx) GetAll(ctx context.Context) ([]persist.Record, error) {
	if t.done {
		return nil, persist.ErrTxDone
	}
	all, err := t.conn.rdb.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]persist.Record, 0, len(all))
	for key, raw := range all {
		rec, err := decode(key, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *tx) Commit() error {
	if t.done {
		return persist.ErrTxDone
	}
	defer t.finish()

	if t.pipe == nil {
		return nil
	}
	if _, err := t.pipe.Exec(t.ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return persist.ErrTxDone
	}
	defer t.finish()

	if t.pipe != nil {
		return t.pipe.Discard()
	}
	return nil
}

func (t *tx) writable() error {
	if t.done {
		return persist.ErrTxDone
	}
	if t.mode != persist.ReadWrite {
		return persist.ErrReadOnly
	}
	return nil
}

func (t *tx) finish() {
	t.done = true
	if t.mode == persist.ReadWrite {
		t.conn.writeMu.Unlock()
	}
}
