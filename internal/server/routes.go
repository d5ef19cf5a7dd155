// Package server wires HTTP handlers into a ServeMux for the Parley
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, the WebSocket endpoint, and Prometheus metrics.
func SetupRoutes(ws http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
