package persist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// SchemaVersion is the record store version the cache opens with.
const SchemaVersion = 1

// Mode selects the access a transaction is granted.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

var (
	// ErrReadOnly is returned by writes issued in a ReadOnly transaction.
	ErrReadOnly = errors.New("write in read-only transaction")
	// ErrTxDone is returned by a transaction used after Commit or Rollback.
	ErrTxDone = errors.New("transaction already finished")
	// ErrNoTable is returned by Begin for a table the store does not have.
	ErrNoTable = errors.New("no such table")
)

// Record is the stored unit. Key is the storage key (already hashed), Value
// the encoded payload, and a zero ExpiresAt means no expiry.
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// ExpiryMillis is the stored form of a non-zero expiry: Unix milliseconds,
// rounded up so an entry never expires before its deadline. Nanoseconds would
// overflow for expiries past 2262.
func ExpiryMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		ms++
	}
	return ms
}

// ExpiryFromMillis reverses ExpiryMillis.
func ExpiryFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Opener opens a named record store at a schema version. When the stored
// version is lower than version, upgrade runs before Open returns.
type Opener interface {
	Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Conn, error)
}

// UpgradeFunc prepares the schema of a store whose version is below newVersion.
type UpgradeFunc func(ctx context.Context, s Schema, oldVersion, newVersion int) error

// Schema is the view of a store handed to an upgrade.
type Schema interface {
	CreateTable(ctx context.Context, table string) error
}

// Conn is an open record store shared by every operation of one cache.
type Conn interface {
	Begin(ctx context.Context, table string, mode Mode) (Tx, error)
	Close() error
}

// Tx is a transaction over one table. Exactly one of Commit or Rollback ends it.
type Tx interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) ([]Record, error)
	Commit() error
	Rollback() error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// CheckIdent validates a name that SQL backends splice into statements.
func CheckIdent(kind, name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// CheckVersion rejects opening a store that was written by a newer schema.
func CheckVersion(name string, stored, requested int) error {
	if stored > requested {
		return fmt.Errorf("store %s is at version %d, newer than %d", name, stored, requested)
	}
	return nil
}
