package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics (no auth required for basic monitoring)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/regions", func(r chi.Router) {
				r.Get("/", s.handleListRegions)
				r.Post("/", s.handleStartRegion)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRegion)
					r.Delete("/", s.handleStopRegion)
					r.Get("/history", s.handleRegionHistory)
				})
			})

			r.Route("/advertising", func(r chi.Router) {
				r.Get("/", s.handleListAdvertising)
				r.Post("/", s.handleStartAdvertising)
				r.Delete("/{id}", s.handleStopAdvertising)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if len(s.regions.Regions()) > 0 && !s.regions.Armed() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     s.version,
		"radio_armed": s.regions.Armed(),
	})
}
