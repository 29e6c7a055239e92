// Package cache defines the contract shared by every cache backing.
//
// A backing hashes each caller key into a storage key, stores values with an
// optional absolute expiry, drops expired entries when they are read, and
// removes all expired entries in bulk on Cleanup.
package cache

import (
	"context"
	"time"
)

// Cache is implemented by the volatile and the persistent backings.
//
// Get reports found == false for absent and expired keys; absence is never an
// error. Set stores a value that never expires. SetWithTTL stores a value that
// expires ttl after now; a ttl of zero or less reads as expired from the next
// operation on.
type Cache interface {
	Get(ctx context.Context, key string) (value any, found bool, err error)
	Set(ctx context.Context, key string, value any) error
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context) (removed int, err error)
}

// Clock returns the current time.
type Clock func() time.Time

// Entry is a stored value with its optional expiry.
// Zero value of ExpiresAt means "no expiration".
type Entry struct {
	Value     any
	ExpiresAt time.Time
}

// NewEntry builds the entry for a Set. A nil ttl means no expiry.
func NewEntry(value any, now time.Time, ttl *time.Duration) Entry {
	e := Entry{Value: value}
	if ttl != nil {
		e.ExpiresAt = now.Add(*ttl)
	}
	return e
}

// IsExpired checks whether the entry is expired at the given time.
// An entry is gone once its expiry is reached.
func (e Entry) IsExpired(now time.Time) bool {
	return Expired(e.ExpiresAt, now)
}

// Expired applies the expiry rule to a bare timestamp.
func Expired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}
