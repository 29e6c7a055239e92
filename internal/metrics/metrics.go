package metrics

import (
	"sync"
	"sync/atomic"
)

// MetricKey is a strongly typed metric identifier.
type MetricKey string

// Metric keys (centralized)
const (
	// Contract operations
	CacheGetsTotal    MetricKey = "cache_gets_total"
	CacheHitsTotal    MetricKey = "cache_hits_total"
	CacheMissesTotal  MetricKey = "cache_misses_total"
	CacheSetsTotal    MetricKey = "cache_sets_total"
	CacheDeletesTotal MetricKey = "cache_deletes_total"

	// Lazy expiration (entry found expired on read)
	CacheExpiredTotal MetricKey = "cache_expired_total"

	// Active expiration
	CleanupRunsTotal    MetricKey = "cleanup_runs_total"
	CleanupRemovedTotal MetricKey = "cleanup_removed_total"
	CleanupFailedTotal  MetricKey = "cleanup_failed_total"

	// Persistent backing
	StoreOpensTotal      MetricKey = "store_opens_total"
	StorageErrorsTotal   MetricKey = "storage_errors_total"
	StoreCompressedTotal MetricKey = "store_compressed_total"

	// HTTP facade
	HTTPRequestsTotal    MetricKey = "http_requests_total"
	HTTPRateLimitedTotal MetricKey = "http_rate_limited_total"
)

// Registry stores all metrics.
type Registry struct {
	mu       sync.RWMutex
	counters map[MetricKey]*int64
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[MetricKey]*int64),
	}
}

// Inc increments a metric by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Add increments a metric by delta. A nil registry drops the update.
func (r *Registry) Add(key MetricKey, delta int64) {
	if r == nil {
		return
	}

	r.mu.RLock()
	ptr, ok := r.counters[key]
	r.mu.RUnlock()

	if ok {
		atomic.AddInt64(ptr, delta)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another writer may have created it while we waited
	if ptr, ok = r.counters[key]; ok {
		atomic.AddInt64(ptr, delta)
		return
	}

	var val int64
	r.counters[key] = &val
	atomic.AddInt64(&val, delta)
}
