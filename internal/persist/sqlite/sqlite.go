// Package sqlite stores cache records in a SQLite database file.
//
// The store name is the database path and each table is a SQL table. The
// schema version lives in PRAGMA user_version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kvcache/internal/persist"
)

// Opener opens SQLite database files.
type Opener struct {
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

var _ persist.Opener = Opener{}

func New() Opener {
	return Opener{BusyTimeout: 5 * time.Second}
}

func (o Opener) dsn(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(o.BusyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

func (o Opener) Open(ctx context.Context, name string, version int, upgrade persist.UpgradeFunc) (persist.Conn, error) {
	if name == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	db, err := sql.Open("sqlite3", o.dsn(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: transactions run one after another
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db, name, version, upgrade); err != nil {
		db.Close()
		return nil, err
	}

	return &conn{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB, name string, version int, upgrade persist.UpgradeFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := persist.CheckVersion(name, stored, version); err != nil {
		return err
	}
	if stored == version {
		return nil
	}

	if upgrade != nil {
		if err := upgrade(ctx, schema{tx: tx}, stored, version); err != nil {
			return fmt.Errorf("failed to upgrade schema: %w", err)
		}
	}
	// PRAGMA does not take bind parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return tx.Commit()
}

type schema struct{ tx *sql.Tx }

func (s schema) CreateTable(ctx context.Context, table string) error {
	if err := persist.CheckIdent("table", table); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER
	)`, table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	_, err = s.tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %q ON %q (expires_at)`, table+"_expires_at", table))
	if err != nil {
		return fmt.Errorf("failed to create index on %s: %w", table, err)
	}
	return nil
}

type conn struct {
	db *sql.DB
}

func (c *conn) Begin(ctx context.Context, table string, mode persist.Mode) (persist.Tx, error) {
	if err := persist.CheckIdent("table", table); err != nil {
		return nil, err
	}

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", persist.ErrNoTable, table)
	}

	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{tx: sqlTx, mode: mode, table: fmt.Sprintf("%q", table)}, nil
}

func (c *conn) Close() error {
	return c.db.Close()
}

// tx enforces read-only mode itself; the driver ignores TxOptions.ReadOnly.
type tx struct {
	tx    *sql.Tx
	mode  persist.Mode
	table string
}

func (t *tx) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM `+t.table+` WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persist.Record{}, false, nil
	}
	if err != nil {
		return persist.Record{}, false, fmt.Errorf("failed to get record: %w", err)
	}
	return persist.Record{Key: key, Value: value, ExpiresAt: fromNull(expiresAt)}, true, nil
}

func (t *tx) Put(ctx context.Context, rec persist.Record) error {
	if t.mode != persist.ReadWrite {
		return persist.ErrReadOnly
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO `+t.table+` (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		rec.Key, rec.Value, toNull(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, key string) error {
	if t.mode != persist.ReadWrite {
		return persist.ErrReadOnly
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (t *tx) GetAll(ctx context.Context) ([]persist.Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT key, value, expires_at FROM `+t.table)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []persist.Record
	for rows.Next() {
		var (
			rec       persist.Record
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.ExpiresAt = fromNull(expiresAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return persist.ErrTxDone
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return persist.ErrTxDone
		}
		return err
	}
	return nil
}

func toNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: persist.ExpiryMillis(t), Valid: true}
}

func fromNull(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return persist.ExpiryFromMillis(n.Int64)
}
