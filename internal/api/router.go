package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/scry-ingest/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps holds the handlers' collaborators.
type RouterDeps struct {
	Events   *EventHandler
	Entities *EntityHandler
	Health   *HealthHandler
	Logger   *slog.Logger
}

// NewRouter builds the HTTP handler with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(deps.Logger))
	r.Use(apiMiddleware.Metrics)

	r.Route("/v1", func(r chi.Router) {
		if deps.Events != nil {
			r.Post("/events", deps.Events.Ingest)
		}
		if deps.Entities != nil {
			r.Get("/entities", deps.Entities.Get)
		}
	})

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Live)
		r.Get("/readyz", deps.Health.Ready)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
