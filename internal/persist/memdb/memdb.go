// Package memdb is an in-process record store. Databases live in the Opener
// that created them, so two caches opened with the same name through the same
// Opener share data, and nothing survives the process.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kvcache/internal/persist"
)

var errConnClosed = errors.New("memdb: connection closed")

// Opener is a registry of named in-memory databases.
type Opener struct {
	mu  sync.Mutex
	dbs map[string]*database
}

var _ persist.Opener = (*Opener)(nil)

func New() *Opener {
	return &Opener{dbs: make(map[string]*database)}
}

type database struct {
	mu      sync.RWMutex
	version int
	tables  map[string]map[string]persist.Record
}

func (o *Opener) Open(ctx context.Context, name string, version int, upgrade persist.UpgradeFunc) (persist.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	db, ok := o.dbs[name]
	if !ok {
		db = &database{tables: make(map[string]map[string]persist.Record)}
		o.dbs[name] = db
	}
	o.mu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := persist.CheckVersion(name, db.version, version); err != nil {
		return nil, err
	}
	if db.version < version {
		if upgrade != nil {
			if err := upgrade(ctx, schema{db}, db.version, version); err != nil {
				return nil, fmt.Errorf("upgrade %s: %w", name, err)
			}
		}
		db.version = version
	}

	return &conn{db: db}, nil
}

// schema is used while the database lock is already held.
type schema struct{ db *database }

func (s schema) CreateTable(_ context.Context, table string) error {
	if _, ok := s.db.tables[table]; !ok {
		s.db.tables[table] = make(map[string]persist.Record)
	}
	return nil
}

type conn struct {
	db *database

	mu     sync.Mutex
	closed bool
}

func (c *conn) Begin(ctx context.Context, table string, mode persist.Mode) (persist.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errConnClosed
	}

	if mode == persist.ReadWrite {
		c.db.mu.Lock()
	} else {
		c.db.mu.RLock()
	}

	rows, ok := c.db.tables[table]
	if !ok {
		c.unlock(mode)
		return nil, fmt.Errorf("%w: %s", persist.ErrNoTable, table)
	}

	return &tx{conn: c, mode: mode, rows: rows, pending: make(map[string]*persist.Record)}, nil
}

func (c *conn) unlock(mode persist.Mode) {
	if mode == persist.ReadWrite {
		c.db.mu.Unlock()
	} else {
		c.db.mu.RUnlock()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// tx holds the database lock from Begin until it ends. Writes are buffered in
// pending (nil marks a delete) and applied on Commit.
type tx struct {
	conn    *conn
	mode    persist.Mode
	rows    map[string]persist.Record
	pending map[string]*persist.Record
	done    bool
}

func (t *tx) Get(_ context.Context, key string) (persist.Record, bool, error) {
	if t.done {
		return persist.Record{}, false, persist.ErrTxDone
	}
	if p, ok := t.pending[key]; ok {
		if p == nil {
			return persist.Record{}, false, nil
		}
		return clone(*p), true, nil
	}
	rec, ok := t.rows[key]
	if !ok {
		return persist.Record{}, false, nil
	}
	return clone(rec), true, nil
}

func (t *tx) Put(_ context.Context, rec persist.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	rec = clone(rec)
	t.pending[rec.Key] = &rec
	return nil
}

func (t *tx) Delete(_ context.Context, key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.pending[key] = nil
	return nil
}

func (t *tx) GetAll(_ context.Context) ([]persist.Record, error) {
	if t.done {
		return nil, persist.ErrTxDone
	}
	out := make([]persist.Record, 0, len(t.rows))
	for key, rec := range t.rows {
		if _, ok := t.pending[key]; ok {
			continue
		}
		out = append(out, clone(rec))
	}
	for _, p := range t.pending {
		if p != nil {
			out = append(out, clone(*p))
		}
	}
	return out, nil
}

func (t *tx) Commit() error {
	if t.done {
		return persist.ErrTxDone
	}
	for key, p := range t.pending {
		if p == nil {
			delete(t.rows, key)
		} else {
			t.rows[key] = *p
		}
	}
	t.finish()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return persist.ErrTxDone
	}
	t.finish()
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
	t.pending = nil
	t.conn.unlock(t.mode)
}

func clone(rec persist.Record) persist.Record {
	rec.Value = append([]byte(nil), rec.Value...)
	return rec
}
