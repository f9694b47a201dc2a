/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/accounting/*  Deposits, charges, updates, listings
  /api/status        Node health and election state
  /metrics           Prometheus metrics

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: false,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/accounting", func(r chi.Router) {
			r.Post("/root-deposit", h.RootDeposit)
			r.Post("/deposit", h.Deposit)
			r.Post("/charge", h.Charge)
			r.Post("/update", h.Update)
			r.Get("/wallets", h.Wallets)
			r.Get("/allocations", h.Allocations)
			r.Get("/sub-allocations", h.SubAllocations)
			r.Get("/providers", h.Providers)
			r.Get("/provider-wallets", h.ProviderWallets)
		})

		r.Get("/status", h.NodeStatus)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
