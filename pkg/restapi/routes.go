// Package restapi implements the out-of-core control-plane surface: topic
// CRUD, health, stats and a metrics snapshot, backed by chi.
package restapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybus/relaybus/pkg/bus"
)

// NewRouter builds the control-plane router over manager and metrics.
func NewRouter(manager *bus.Manager, metrics *bus.MetricsRegistry) http.Handler {
	h := &handlers{manager: manager, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/topics", func(r chi.Router) {
		r.Get("/", h.listTopics)
		r.Post("/", h.createTopic)
		r.Delete("/{name}", h.deleteTopic)
		r.Get("/{name}/stats", h.topicStats)
	})
	r.Get("/metrics/snapshot", h.metricsSnapshot)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}
