// Package server wires the HTTP handlers into a chi router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the HTTP handler for the ops listener.
func (r *Relay) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.HealthHandler)
	router.Handle("/metrics", promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{}))
	router.HandleFunc("/ws", r.WebSocketHandler())
	return router
}
