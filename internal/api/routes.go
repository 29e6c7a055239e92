package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// RegisterRoutes mounts the API on router. A nil limiter disables rate
// limiting.
func RegisterRoutes(router *mux.Router, h *Handler, limiter *rate.Limiter) http.Handler {
	// KV APIs
	router.HandleFunc("/kv/{key:.+}", h.SetKey).Methods(http.MethodPut)
	router.HandleFunc("/kv/{key:.+}", h.GetKey).Methods(http.MethodGet)
	router.HandleFunc("/kv/{key:.+}", h.DeleteKey).Methods(http.MethodDelete)
	router.HandleFunc("/kv/", h.MissingKey)

	// Admin APIs
	router.HandleFunc("/admin/cleanup", h.Cleanup).Methods(http.MethodPost)

	// Observability APIs
	router.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)

	// Middlewares
	chain := []Middleware{
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger, h.metrics),
	}
	if limiter != nil {
		chain = append(chain, RateLimitMiddleware(limiter, h.metrics))
	}
	return Chain(router, chain...)
}
