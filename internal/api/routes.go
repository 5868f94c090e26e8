package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		// Live updates stay outside the timeout and compression group;
		// the upgraded connection outlives the request.
		r.Get("/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5, "application/json"))
			r.Use(m.Timeout(30 * time.Second))

			r.Route("/intents", func(r chi.Router) {
				r.Post("/", h.CreateIntent)
				r.Get("/", h.ListIntents)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetIntent)
					r.Post("/quotes", h.SubmitQuote)
					r.Post("/confirm", h.ConfirmQuote)
					r.Post("/deposit", h.MarkDeposited)
					r.Post("/fulfill", h.FulfillIntent)
					r.Post("/cancel", h.CancelIntent)
					r.Post("/expire", h.ExpireIntent)
					r.Post("/settlement/retry", h.RetrySettlement)
				})
			})

			r.Get("/users/{user}/intents", h.GetIntentsByUser)
			r.Get("/escrow", h.GetEscrowBalance)
			r.Get("/chains", h.ListChains)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Get("/snapshot", h.ExportSnapshot)
				r.Post("/snapshot", h.ImportSnapshot)
				r.Get("/invariants", h.VerifyInvariants)
			})
		})
	})

	return r
}
