// Package server wires HTTP handlers into a ServeMux for the relay
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// SetupRoutes configures the application routes (health check, WebSocket
// endpoint, metrics) and applies the CORS policy from configuration.
func SetupRoutes(h *Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Health)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.Handle("/metrics", MetricsHandler())

	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}
