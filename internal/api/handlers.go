package api

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"kvcache/internal/cache"
	"kvcache/internal/health"
	"kvcache/internal/logs"
	"kvcache/internal/metrics"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cache    cache.Cache
	metrics  *metrics.Registry
	logger   *logs.Logger
	analyzer *health.Analyzer
}

// NewHandler creates a new API handler over any cache backing.
func NewHandler(
	c cache.Cache,
	metrics *metrics.Registry,
	logger *logs.Logger,
) *Handler {
	return &Handler{
		cache:    c,
		metrics:  metrics,
		logger:   logger,
		analyzer: health.NewAnalyzer(metrics, logger),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps cache errors onto status codes: storage failures are 503,
// anything else 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if cache.IsStorageError(err) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Warn("request failed", logs.Int("status", status), logs.Err(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

/* ---------------- PUT /kv/{key} ---------------- */

type setRequest struct {
	Value any    `json:"value"`
	TTLms *int64 `json:"ttl_ms,omitempty"`
}

func (h *Handler) SetKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var err error
	if req.TTLms == nil {
		err = h.cache.Set(r.Context(), key, req.Value)
	} else {
		err = h.cache.SetWithTTL(r.Context(), key, req.Value, ttlFromMillis(*req.TTLms))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ttlFromMillis converts ttl_ms, saturating at the time.Duration range.
func ttlFromMillis(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		return time.Duration(math.MaxInt64)
	case ms < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

/* ---------------- GET /kv/{key} ---------------- */

func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, ok, err := h.cache.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"value": value,
	})
}

/* ---------------- DELETE /kv/{key} ---------------- */

func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := h.cache.Delete(r.Context(), key); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MissingKey(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "missing key in URL", http.StatusBadRequest)
}

/* ---------------- POST /admin/cleanup ---------------- */

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.Cleanup(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

/* ---------------- GET /metrics ---------------- */

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

/* ---------------- GET /health ---------------- */

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analyzer.Analyze())
}
