// Package server exposes the HTTP handlers for the relay: the authenticated
// WebSocket upgrade and the health check.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/internal/chatapi"
)

// Handlers owns everything a request needs: the hub, the credential
// verifier, the chat service client, and the upgrade policy. No package
// globals.
type Handlers struct {
	cfg      *Config
	hub      *Hub
	verifier *CredentialVerifier
	api      *chatapi.Client
	upgrader websocket.Upgrader
}

// NewHandlers wires the request handlers from configuration and shared
// collaborators.
func NewHandlers(cfg *Config, hub *Hub, api *chatapi.Client) *Handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins)

	return &Handlers{
		cfg:      cfg,
		hub:      hub,
		verifier: NewCredentialVerifier(cfg.JWTSecret),
		api:      api,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

// WebSocket handles upgrade requests. The credential in the token query
// parameter is verified before the upgrade; a connection with no valid
// credential is refused at handshake and no client object is ever created.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		log.Printf("Refused connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, identity, h.api, h.cfg)

	// Register the client with the hub; the hub launches the pump goroutines.
	h.hub.register <- client
}

// Health provides a simple health check endpoint that returns server status.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}
