package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check of the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", s.prometheusHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Group addresses appear in paths as 1/2/3 or URL-encoded 1%2F2%2F3.
		r.Get("/groups", s.handleListGroups)
		r.Get("/groups/*", s.handleReadGroup)
		r.With(s.requireToken).Put("/groups/*", s.handleWriteGroup)

		r.Route("/datapoints", func(r chi.Router) {
			r.Get("/", s.handleListDatapoints)
			r.Get("/{name}", s.handleReadDatapoint)
			r.With(s.requireToken).Put("/{name}", s.handleWriteDatapoint)
		})

		r.With(s.requireToken).Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the daemon health: "ok" when the communicator is
// attached and every component check passes, "degraded" when a component
// fails, "detached" (503) when the communicator has lost its link.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.health))
	status := "ok"
	for name, hc := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if s.process.Stats().Detached {
		status = "detached"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"version":      s.version,
		"communicator": s.process.ID(),
		"components":   components,
	})
}
