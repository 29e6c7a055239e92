// Package persist implements the persistent cache backing on top of a
// transactional record store.
//
// The store is opened in the background when the cache is created. Every
// operation waits for that step and then runs in its own transaction; if the
// open failed, every operation returns the recorded *cache.StorageError.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"kvcache/internal/cache"
	"kvcache/internal/hasher"
	"kvcache/internal/logs"
	"kvcache/internal/metrics"
)

const (
	DefaultStoreName = "kvcache"
	DefaultTableName = "entries"
)

// ErrClosed is wrapped by operations issued after Close.
var ErrClosed = errors.New("cache closed")

// Cache is the persistent backing.
type Cache struct {
	opener  Opener
	name    string
	table   string
	hasher  hasher.Hasher
	now     cache.Clock
	metrics *metrics.Registry
	logger  *logs.Logger
	codec   *Codec

	ready   chan struct{}
	conn    Conn
	openErr error

	// held shared by operations, exclusively by Close
	mu     sync.RWMutex
	closed bool
}

var _ cache.Cache = (*Cache)(nil)

type Option func(*Cache)

// WithStoreName sets the store identifier. File backends treat it as a path.
func WithStoreName(name string) Option {
	return func(c *Cache) { c.name = name }
}

// WithTableName sets the table holding the records.
func WithTableName(table string) Option {
	return func(c *Cache) { c.table = table }
}

func WithHasher(h hasher.Hasher) Option {
	return func(c *Cache) { c.hasher = h }
}

func WithClock(now cache.Clock) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Cache) { c.metrics = reg }
}

func WithLogger(l *logs.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithCodec(codec *Codec) Option {
	return func(c *Cache) { c.codec = codec }
}

// New returns immediately and opens the store in the background.
// Operations may be issued right away; they wait for the open to finish.
func New(opener Opener, opts ...Option) *Cache {
	c := &Cache{
		opener: opener,
		name:   DefaultStoreName,
		table:  DefaultTableName,
		hasher: hasher.Default,
		now:    time.Now,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logs.Discard()
	}
	if c.codec == nil {
		c.codec = DefaultCodec()
	}

	go c.open()
	return c
}

func (c *Cache) open() {
	defer close(c.ready)

	start := time.Now()
	conn, err := c.opener.Open(context.Background(), c.name, SchemaVersion, c.upgrade)
	if err != nil {
		c.openErr = &cache.StorageError{Op: "open", Store: c.name, Err: err}
		c.metrics.Inc(metrics.StorageErrorsTotal)
		c.logger.Error("store open failed", logs.String("store", c.name), logs.Err(err))
		return
	}

	c.conn = conn
	c.metrics.Inc(metrics.StoreOpensTotal)
	c.logger.Debug("store opened",
		logs.String("store", c.name),
		logs.String("table", c.table),
		logs.Duration("took", time.Since(start)),
	)
}

// upgrade creates the table the first time the store is opened.
func (c *Cache) upgrade(ctx context.Context, s Schema, oldVersion, newVersion int) error {
	c.logger.Debug("upgrading store schema",
		logs.String("store", c.name),
		logs.Int("from", oldVersion),
		logs.Int("to", newVersion),
	)
	if oldVersion < 1 {
		return s.CreateTable(ctx, c.table)
	}
	return nil
}

// Name returns the store identifier.
func (c *Cache) Name() string { return c.name }

// Table returns the table name.
func (c *Cache) Table() string { return c.table }

// Ready blocks until the open step finished and returns its error.
func (c *Cache) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for the open step and closes the store. It is safe to call
// more than once.
func (c *Cache) Close() error {
	<-c.ready

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return &cache.StorageError{Op: "close", Store: c.name, Err: err}
	}
	c.logger.Debug("store closed", logs.String("store", c.name))
	return nil
}

// Get returns the value under key. An expired record is deleted in a second
// transaction after the read one ends.
func (c *Cache) Get(ctx context.Context, key string) (any, bool, error) {
	c.metrics.Inc(metrics.CacheGetsTotal)
	sk := c.hasher.Hash(key)

	var (
		rec   Record
		found bool
	)
	err := c.withTx(ctx, "get", ReadOnly, func(tx Tx) error {
		var err error
		rec, found, err = tx.Get(ctx, sk)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if !found {
		c.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false, nil
	}

	now := c.now()
	if cache.Expired(rec.ExpiresAt, now) {
		err := c.withTx(ctx, "get", ReadWrite, func(tx Tx) error {
			// a Set may have replaced the record since the read
			cur, ok, err := tx.Get(ctx, sk)
			if err != nil || !ok || !cache.Expired(cur.ExpiresAt, now) {
				return err
			}
			return tx.Delete(ctx, sk)
		})
		if err != nil {
			return nil, false, err
		}
		c.metrics.Inc(metrics.CacheExpiredTotal)
		c.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false, nil
	}

	value, err := c.codec.Decode(rec.Value)
	if err != nil {
		return nil, false, c.fail("get", err)
	}

	c.metrics.Inc(metrics.CacheHitsTotal)
	return value, true, nil
}

// Set stores value under key with no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	return c.put(ctx, key, cache.NewEntry(value, c.now(), nil))
}

// SetWithTTL stores value under key, expiring ttl from now.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.put(ctx, key, cache.NewEntry(value, c.now(), &ttl))
}

func (c *Cache) put(ctx context.Context, key string, entry cache.Entry) error {
	payload, compressed, err := c.codec.Encode(entry.Value)
	if err != nil {
		return c.fail("set", err)
	}

	rec := Record{
		Key:       c.hasher.Hash(key),
		Value:     payload,
		ExpiresAt: entry.ExpiresAt,
	}
	err = c.withTx(ctx, "set", ReadWrite, func(tx Tx) error {
		return tx.Put(ctx, rec)
	})
	if err != nil {
		return err
	}

	c.metrics.Inc(metrics.CacheSetsTotal)
	if compressed {
		c.metrics.Inc(metrics.StoreCompressedTotal)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	sk := c.hasher.Hash(key)
	err := c.withTx(ctx, "delete", ReadWrite, func(tx Tx) error {
		return tx.Delete(ctx, sk)
	})
	if err != nil {
		return err
	}
	c.metrics.Inc(metrics.CacheDeletesTotal)
	return nil
}

// Cleanup deletes every expired record in a single transaction.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0

	err := c.withTx(ctx, "cleanup", ReadWrite, func(tx Tx) error {
		records, err := tx.GetAll(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if !cache.Expired(rec.ExpiresAt, now) {
				continue
			}
			if err := tx.Delete(ctx, rec.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		c.metrics.Inc(metrics.CleanupFailedTotal)
		return 0, err
	}

	c.metrics.Inc(metrics.CleanupRunsTotal)
	c.metrics.Add(metrics.CleanupRemovedTotal, int64(removed))
	return removed, nil
}

// withTx waits for the store, runs fn in a transaction and commits it.
// Any failure comes back as a *cache.StorageError.
func (c *Cache) withTx(ctx context.Context, op string, mode Mode, fn func(Tx) error) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.openErr != nil {
		return c.openErr
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return c.fail(op, ErrClosed)
	}

	tx, err := c.conn.Begin(ctx, c.table, mode)
	if err != nil {
		return c.fail(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return c.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return c.fail(op, err)
	}
	return nil
}

func (c *Cache) fail(op string, err error) error {
	c.metrics.Inc(metrics.StorageErrorsTotal)
	c.logger.Warn("storage operation failed",
		logs.String("op", op),
		logs.String("store", c.name),
		logs.Err(err),
	)
	return &cache.StorageError{Op: op, Store: c.name, Err: err}
}
