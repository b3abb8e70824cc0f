// Package server exposes HTTP handlers: the authenticated WebSocket upgrade,
// the health check and the readiness probe.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// ServeWS authenticates the handshake and upgrades it. The bearer credential
// is verified before the upgrade: a rejected handshake gets a plain HTTP 401
// and no websocket event is ever exchanged.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !isOriginAllowed(r) {
		g.metrics.HandshakeRejected("origin")
		g.log.Warn("handshake_rejected", append(logging.Request(r), zap.String("reason", "origin"))...)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	subjectID, err := g.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		g.metrics.HandshakeRejected(chat.ReasonAuth)
		g.log.Info("handshake_rejected", append(logging.Request(r), zap.String("reason", chat.ReasonAuth), zap.Error(err))...)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if g.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade_failed", zap.String("subject", subjectID), zap.Error(err))
		return
	}

	client := NewClient(conn, g, subjectID, r.RemoteAddr)
	if !g.attach(client) {
		client.cancel()
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nexus Chat server is running!")
}

// ReadyzHandler reports 200 once the gateway loop runs and the stores answer.
func (g *Gateway) ReadyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if err := g.Ready(); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]any{"status": "not ready", "error": err.Error()}
	} else {
		conns, subjects := g.registry.Counts()
		body["connections"] = conns
		body["online"] = subjects
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
