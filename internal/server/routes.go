// Package server wires HTTP handlers into a gorilla/mux router for the
// Nexus Chat gateway.
package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/nexus-chat/internal/metrics"
)

// SetupRoutes configures the application routes: health check, websocket
// endpoint, readiness probe and, when m is non-nil, Prometheus metrics.
func SetupRoutes(g *Gateway, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.ServeWS)
	r.HandleFunc("/readyz", g.ReadyzHandler).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	return r
}
