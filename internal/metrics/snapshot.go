package metrics

import "sync/atomic"

// Snapshot returns a copy of all counters keyed by name.
// Mutating the result does not touch the registry.
func (r *Registry) Snapshot() map[string]int64 {
	if r == nil {
		return map[string]int64{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.counters))
	for key, ptr := range r.counters {
		out[string(key)] = atomic.LoadInt64(ptr)
	}
	return out
}

// Value returns a single counter, zero if it was never touched.
func (r *Registry) Value(key MetricKey) int64 {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	ptr, ok := r.counters[key]
	r.mu.RUnlock()

	if !ok {
		return 0
	}
	return atomic.LoadInt64(ptr)
}
