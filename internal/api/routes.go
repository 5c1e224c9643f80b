package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/pixel-tracker/internal/pkg/logger"
)

// SetupRoutes configures all routes for the tracking service
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware. Deliberately no chi request logger: pixel and click
	// URLs carry sender tokens in the query string, which must never
	// reach the logs. requestLog records method and path only.
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLog)

	// Pixels and clicks are fetched cross-origin by mail clients
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	// Tracking endpoints, hit by mail clients
	r.Get("/pixel/{trackID}", h.ServePixel)
	r.Get("/click/{trackID}", h.HandleClick)

	// API endpoints, hit by the sending client
	r.Route("/api", func(r chi.Router) {
		r.Post("/sends", h.RegisterSend)
		r.Get("/status", h.GetStatus)
		r.Get("/stats", h.GetStats)
	})

	return r
}

// requestLog logs method, path and latency; query strings are omitted
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		logger.Debug("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
