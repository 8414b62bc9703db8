package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteOptions tunes the API middleware.
type RouteOptions struct {
	// APIRequestsPerMinute limits API calls per client IP. Zero disables it.
	APIRequestsPerMinute int
}

// SetupRoutes configures and returns the router with all application routes.
func SetupRoutes(h *Handlers, opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", h.HealthHandler)
	r.Get("/healthz", h.HealthzHandler)
	r.HandleFunc("/ws", h.WebSocketHandler)
	r.Get("/test", h.TestPageHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.deps.Origins.Origins(),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		if opts.APIRequestsPerMinute > 0 {
			api.Use(httprate.LimitByIP(opts.APIRequestsPerMinute, time.Minute))
		}
		api.Use(h.deps.Auth.RequireUser)

		api.Post("/rooms", h.CreateRoomHandler)
		api.Get("/rooms/{roomID}/messages", h.MessagesHandler)
	})

	return r
}
