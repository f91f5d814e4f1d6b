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
  4. CORS:       Cross-origin requests for the LINE frontend
  5. auth:       Bearer token verification (authenticated groups only)

ROUTE GROUPS:
  /api/health, /api/plans          Public reads
  /api/stripe/webhook              Signature-verified, no bearer token
  /api/points/check-expiration     External cron trigger
  /api/user, /api/transactions,
  /api/chat/complete               Authenticated user surface
  /api/admin/*                     Admin role required

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/auth.go: Token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/uranai/points-ledger/auth"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, tokens *auth.Tokens) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public surface
		r.Get("/health", h.Health)
		r.Get("/plans", h.ListPlans)

		// Stripe authenticates with the signature header, not a bearer token
		r.Post("/stripe/webhook", h.StripeWebhook)

		// External cron trigger for the expiration sweep
		r.Post("/points/check-expiration", h.CheckExpiration)

		// Authenticated user surface
		r.Group(func(r chi.Router) {
			r.Use(tokens.Middleware)

			r.Get("/user", h.GetMe)
			r.Delete("/user", h.DeleteMe)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/chat/complete", h.ChatComplete)

			// Admin surface
			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Get("/users", h.AdminListUsers)
				r.Get("/users/{id}/verify", h.AdminVerifyUser)
				r.Put("/users/{id}/status", h.AdminSetUserStatus)
				r.Get("/transactions", h.AdminListTransactions)
				r.Post("/adjustments", h.AdminCreateAdjustment)
				r.Get("/stats", h.AdminStats)
			})
		})
	})

	return r
}
