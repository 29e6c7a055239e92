// Package store implements the volatile cache backing: a process-local map
// from storage key to entry that lives as long as the Store value.
package store

import (
	"context"
	"sync"
	"time"

	"kvcache/internal/cache"
	"kvcache/internal/hasher"
	"kvcache/internal/metrics"
)

// Store is a concurrency-safe in-memory cache.
//
// Keys are hashed before they reach the map. Expired entries are dropped when
// read and in bulk by Cleanup. Operations never fail; the error results exist
// so Store satisfies cache.Cache next to the persistent backing.
type Store struct {
	mu      sync.RWMutex
	data    map[string]cache.Entry
	hasher  hasher.Hasher
	now     cache.Clock
	metrics *metrics.Registry
}

var _ cache.Cache = (*Store)(nil)

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now cache.Clock) Option {
	return func(s *Store) { s.now = now }
}

func WithHasher(h hasher.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Store) { s.metrics = reg }
}

// NewStore initializes and returns a new Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data:   make(map[string]cache.Entry),
		hasher: hasher.Default,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
// If the entry is expired it is deleted and treated as missing.
func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.metrics.Inc(metrics.CacheGetsTotal)
	sk := s.hasher.Hash(key)

	s.mu.RLock()
	entry, exists := s.data[sk]
	s.mu.RUnlock()

	if !exists {
		s.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false, nil
	}

	now := s.now()
	if entry.IsExpired(now) {
		s.mu.Lock()
		// re-check: a Set may have replaced the entry between the locks
		if cur, ok := s.data[sk]; ok && cur.IsExpired(now) {
			delete(s.data, sk)
			s.metrics.Inc(metrics.CacheExpiredTotal)
		}
		s.mu.Unlock()

		s.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false, nil
	}

	s.metrics.Inc(metrics.CacheHitsTotal)
	return entry.Value, true, nil
}

// Set stores value under key with no expiry, replacing any previous entry.
func (s *Store) Set(_ context.Context, key string, value any) error {
	s.put(key, cache.NewEntry(value, s.now(), nil))
	return nil
}

// SetWithTTL stores value under key, expiring ttl from now.
func (s *Store) SetWithTTL(_ context.Context, key string, value any, ttl time.Duration) error {
	s.put(key, cache.NewEntry(value, s.now(), &ttl))
	return nil
}

func (s *Store) put(key string, entry cache.Entry) {
	sk := s.hasher.Hash(key)

	s.mu.Lock()
	s.data[sk] = entry
	s.mu.Unlock()

	s.metrics.Inc(metrics.CacheSetsTotal)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	sk := s.hasher.Hash(key)

	s.mu.Lock()
	delete(s.data, sk)
	s.mu.Unlock()

	s.metrics.Inc(metrics.CacheDeletesTotal)
	return nil
}

// Cleanup removes all expired entries in one pass and reports how many.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	removed := 0

	s.mu.Lock()
	for k, v := range s.data {
		if v.IsExpired(now) {
			delete(s.data, k)
			removed++
		}
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.CleanupRunsTotal)
	s.metrics.Add(metrics.CleanupRemovedTotal, int64(removed))
	return removed, nil
}

// Len returns the number of stored entries, including expired entries that
// have not been read or swept yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
