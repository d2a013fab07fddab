/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/entries/*   Entry lifecycle (create, edit, delete flow)
  /api/admin/*     Review queue and master-data seeding
  /api/reports/*   Billing summaries
  /api/reset       Database reset (dev only)

SECURITY NOTE:
  No authentication middleware. Actor identity is caller-asserted; put a
  gateway in front of this service in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Entry lifecycle
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.CreateEntry)
			r.Get("/", h.ListEntries)
			r.Get("/{id}", h.GetEntry)
			r.Patch("/{id}", h.EditEntry)
			r.Post("/{id}/delete-request", h.RequestDelete)
			r.Post("/{id}/review", h.ReviewDelete)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/delete-requests", h.ListPendingDeletes)
			r.Post("/locations", h.SaveLocation)
			r.Post("/resources", h.SaveResource)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/monthly", h.MonthlySummary)
		})

		// Reset (dev only)
		r.Post("/reset", func(w http.ResponseWriter, req *http.Request) {
			if err := h.Store.Reset(req.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset complete"})
		})

		// Health check
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
