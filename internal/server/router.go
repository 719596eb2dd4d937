// Package server wires the HTTP API surface together.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openphc/cce-collector/internal/handlers"
	"github.com/openphc/cce-collector/internal/middleware"
)

// NewRouter constructs a ServeMux with the collector API routes registered.
func NewRouter(events *handlers.EventHandler, deadLetters *handlers.DeadLetterHandler, src *handlers.SourceHandler, health *handlers.HealthHandler) http.Handler {
	mux := http.NewServeMux()

	// Ingestion endpoints
	mux.HandleFunc("POST /api/v1/events", events.HandleIngest)
	mux.HandleFunc("POST /api/v1/events/batch", events.HandleBatch)

	// Dead-letter inspection and resolution
	mux.HandleFunc("GET /api/v1/dead-letters", deadLetters.List)
	mux.HandleFunc("GET /api/v1/dead-letters/{id}", deadLetters.Get)
	mux.HandleFunc("POST /api/v1/dead-letters/{id}/resolve", deadLetters.Resolve)

	// Source registry management
	mux.HandleFunc("POST /api/v1/sources", src.Register)
	mux.HandleFunc("GET /api/v1/sources", src.List)
	mux.HandleFunc("GET /api/v1/sources/{id}", src.Get)
	mux.HandleFunc("PUT /api/v1/sources/{id}", src.Update)
	mux.HandleFunc("DELETE /api/v1/sources/{id}", src.Deactivate)

	// Health and metrics
	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("GET /readyz", health.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
