// Package rest provides the HTTP API of the fswatch daemon.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes carries the handlers served alongside the API.
type Routes struct {
	// Healthz serves GET /healthz. Required.
	Healthz http.HandlerFunc
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Stream serves GET /api/v1/stream when set.
	Stream http.Handler
	// Auth enables bearer-token authentication of /api/v1 when set.
	Auth *JWTConfig
}

// NewRouter returns the daemon's HTTP handler.
//
// Route layout:
//
//	GET    /healthz                – liveness probe (no authentication)
//	GET    /metrics                – Prometheus exposition (no authentication)
//	GET    /api/v1/watches         – live watch table
//	POST   /api/v1/watches         – add a watch
//	DELETE /api/v1/watches/{id}    – remove a watch
//	GET    /api/v1/events          – journal query
//	GET    /api/v1/stream          – WebSocket event stream
func NewRouter(srv *Server, routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", routes.Healthz)
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if routes.Auth != nil {
			r.Use(JWTMiddleware(*routes.Auth))
		}

		r.Get("/watches", srv.handleListWatches)
		r.Post("/watches", srv.handleAddWatch)
		r.Delete("/watches/{id}", srv.handleRemoveWatch)
		r.Get("/events", srv.handleGetEvents)
		if routes.Stream != nil {
			r.Method(http.MethodGet, "/stream", routes.Stream)
		}
	})

	return r
}
