// Package api assembles the HTTP surface: public tracking and unsubscribe
// routes, the cron-style worker endpoint, and a few operational reads.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the full route tree. tracking carries the public routes;
// handlers carries the /api ones.
func NewServer(tracking http.Handler, handlers *Handlers, allowedOrigins []string) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.HealthCheck)

	// Public tracking surface: pixel, click redirect, unsubscribe, webhooks.
	r.Mount("/", tracking)

	r.Route("/api", func(r chi.Router) {
		r.Get("/workers/sequences/run", handlers.RunSequenceWorker)
		r.Post("/workers/sequences/run", handlers.RunSequenceWorker)
		r.Post("/sequences/{id}/enroll", handlers.EnrollContact)
		r.Get("/campaigns/{id}/stats", handlers.CampaignStats)
		r.Get("/queues/{name}/dead", handlers.DeadLetters)
	})

	return &Server{handler: r}
}

// ListenAndServe starts the HTTP server with conservative timeouts. Tracking
// requests are tiny; nothing here needs long windows.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
