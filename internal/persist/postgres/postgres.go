// Package postgres stores cache records in PostgreSQL through a pgx pool.
//
// A store name is a schema. Tables are created inside it and the schema
// version is kept in <name>.kv_meta.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"kvcache/internal/persist"
)

// Opener connects to the database named by DSN.
type Opener struct {
	DSN string
}

var _ persist.Opener = Opener{}

func New(dsn string) Opener {
	return Opener{DSN: dsn}
}

func (o Opener) Open(ctx context.Context, name string, version int, upgrade persist.UpgradeFunc) (persist.Conn, error) {
	if err := persist.CheckIdent("schema", name); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, o.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	c := &conn{pool: pool, schema: name}
	if err := c.migrate(ctx, version, upgrade); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

type conn struct {
	pool   *pgxpool.Pool
	schema string
}

func (c *conn) qualified(table string) string {
	return pgx.Identifier{c.schema, table}.Sanitize()
}

func (c *conn) migrate(ctx context.Context, version int, upgrade persist.UpgradeFunc) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	meta := c.qualified("kv_meta")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{c.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + meta + ` (id INT PRIMARY KEY, version INT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare schema %s: %w", c.schema, err)
		}
	}

	var stored int
	err = tx.QueryRow(ctx, `SELECT version FROM `+meta+` WHERE id = 1 FOR UPDATE`).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := persist.CheckVersion(c.schema, stored, version); err != nil {
		return err
	}
	if stored == version {
		return tx.Commit(ctx)
	}

	if upgrade != nil {
		if err := upgrade(ctx, schema{c: c, tx: tx}, stored, version); err != nil {
			return fmt.Errorf("failed to upgrade schema: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `INSERT INTO `+meta+` (id, version) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version`, version)
	if err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return tx.Commit(ctx)
}

type schema struct {
	c  *conn
	tx pgx.Tx
}

func (s schema) CreateTable(ctx context.Context, table string) error {
	if err := persist.CheckIdent("table", table); err != nil {
		return err
	}
	_, err := s.tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.c.qualified(table)+` (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at BIGINT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (c *conn) Begin(ctx context.Context, table string, mode persist.Mode) (persist.Tx, error) {
	if err := persist.CheckIdent("table", table); err != nil {
		return nil, err
	}

	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		c.schema, table).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", persist.ErrNoTable, table)
	}

	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if mode == persist.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	pgTx, err := c.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{ctx: ctx, tx: pgTx, mode: mode, table: c.qualified(table)}, nil
}

func (c *conn) Close() error {
	c.pool.Close()
	return nil
}

type tx struct {
	// ctx of Begin, used to finish the transaction
	ctx   context.Context
	tx    pgx.Tx
	mode  persist.Mode
	table string
}

func (t *tx) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	var (
		value     []byte
		expiresAt pgtype.Int8
	)
	err := t.tx.QueryRow(ctx, `SELECT value, expires_at FROM `+t.table+` WHERE key = $1`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persist.Record{}, false, nil
	}
	if err != nil {
		return persist.Record{}, false, fmt.Errorf("failed to get record: %w", err)
	}
	return persist.Record{Key: key, Value: value, ExpiresAt: fromInt8(expiresAt)}, true, nil
}

func (t *tx) Put(ctx context.Context, rec persist.Record) error {
	if t.mode != persist.ReadWrite {
		return persist.ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO `+t.table+` (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.Value, toInt8(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, key string) error {
	if t.mode != persist.ReadWrite {
		return persist.ErrReadOnly
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM `+t.table+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (t *tx) GetAll(ctx context.Context) ([]persist.Record, error) {
	rows, err := t.tx.Query(ctx, `SELECT key, value, expires_at FROM `+t.table)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []persist.Record
	for rows.Next() {
		var (
			rec       persist.Record
			expiresAt pgtype.Int8
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.ExpiresAt = fromInt8(expiresAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(t.ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return persist.ErrTxDone
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	// the Begin context may already be cancelled; rollback must still reach the server
	if err := t.tx.Rollback(context.Background()); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return persist.ErrTxDone
		}
		return err
	}
	return nil
}

func toInt8(t time.Time) pgtype.Int8 {
	if t.IsZero() {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: persist.ExpiryMillis(t), Valid: true}
}

func fromInt8(n pgtype.Int8) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return persist.ExpiryFromMillis(n.Int64)
}
