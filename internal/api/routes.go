package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.health.HandleHealth)
	r.Get("/health/live", h.health.HandleLiveness)

	r.Route("/api", func(r chi.Router) {
		// Scheduler observability
		r.Get("/stats", h.GetSchedulerStats)

		// Campaign controls
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Get("/{id}", h.GetCampaign)
			r.Post("/{id}/pause", h.PauseCampaign)
			r.Post("/{id}/resume", h.ResumeCampaign)
		})

		// Identity controls
		r.Route("/identities", func(r chi.Router) {
			r.Get("/", h.ListIdentities)
			r.Post("/{id}/clear-cooldown", h.ClearIdentityCooldown)
		})

		// Conversation inspection and takeover
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/{id}", h.GetConversation)
			r.Post("/{id}/stop", h.StopConversation)
			r.Post("/{id}/manual", h.TakeOverConversation)
		})
	})

	return r
}
