// Package server exposes HTTP handlers: the authenticated WebSocket upgrade
// endpoint and the health check.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// setupTimeout bounds the connect-time room snapshot and registry write; the
// disconnect path reuses it for registry cleanup.
const setupTimeout = 15 * time.Second

// SocketHandler upgrades HTTP requests to WebSocket sessions and drives the
// connection lifecycle: identity verification before the upgrade, room
// subscription and presence registration after it, and presence cleanup on
// disconnect. All presence logic lives in the presence package; this handler
// only translates transport hooks into state machine calls.
type SocketHandler struct {
	hub      *Hub
	verifier auth.Verifier
	rooms    *presence.Rooms
	tracker  *presence.Tracker
	relay    *presence.Relay
	log      *slog.Logger
}

// NewSocketHandler wires the WebSocket endpoint and installs the hub's
// lifecycle hooks. Call it before the hub starts running.
func NewSocketHandler(hub *Hub, verifier auth.Verifier, rooms *presence.Rooms, tracker *presence.Tracker, relay *presence.Relay, log *slog.Logger) *SocketHandler {
	s := &SocketHandler{
		hub:      hub,
		verifier: verifier,
		rooms:    rooms,
		tracker:  tracker,
		relay:    relay,
		log:      log,
	}
	hub.OnEvent(s.handleClientEvent)
	hub.OnDisconnect(s.handleDisconnect)
	return s
}

// ServeHTTP handles WebSocket upgrade requests. The bearer credential is
// verified before the upgrade; a connection that fails verification is
// refused with 401 and never touches the registry.
func (s *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		s.log.Warn("websocket connection refused", "addr", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, userID, uuid.NewString(), r.RemoteAddr)

	// Register with the hub first so the disconnect hook is guaranteed to
	// fire even if connect-time setup never completes. A refused client
	// means the hub is shutting down; its disconnect hook will never fire,
	// so presence setup must not run either, or the registry entry it
	// writes would have no cleanup path.
	if !s.hub.Register(client) {
		client.presenceMu.Lock()
		client.gone = true
		client.presenceMu.Unlock()
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("closing refused connection failed", "connId", client.connID, "error", err)
		}
		s.log.Info("connection refused, server shutting down",
			"userId", userID, "connId", client.connID)
		return
	}
	go s.establishPresence(client)
}

// establishPresence runs the connect flow: subscribe the connection to the
// user's channel groups, then register it for presence. Either step may fail
// with the connection staying up in a degraded mode. The client's presence
// lock orders this against the disconnect hook: a client that already
// dropped skips setup entirely instead of registering an orphan.
func (s *SocketHandler) establishPresence(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	if c.gone {
		return
	}

	s.rooms.Join(ctx, c.userID, c.connID)

	if err := s.tracker.Connect(ctx, c.userID, c.connID); err != nil {
		s.log.Warn("presence tracking unavailable, connection continues untracked",
			"userId", c.userID, "connId", c.connID, "error", err)
		return
	}
	c.presenceActive = true
}

// handleDisconnect is the hub's disconnect hook. It runs for every
// registered connection and waits out any in-flight setup, so registry
// entries cannot be orphaned by a client that drops mid-setup.
func (s *SocketHandler) handleDisconnect(c *Client) {
	c.presenceMu.Lock()
	c.gone = true
	active := c.presenceActive
	c.presenceMu.Unlock()

	if !active {
		// The connection never made it into the registry (dropped before
		// setup, or the store was down); there is nothing to clean up.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	s.tracker.Disconnect(ctx, c.userID, c.connID)
}

// handleClientEvent is the hub's inbound hook for validated client frames.
func (s *SocketHandler) handleClientEvent(c *Client, evt ClientEvent) {
	data, err := evt.TypingData()
	if err != nil {
		// ParseClientEvent already validated the schema; this is unreachable
		// for events that made it here.
		s.log.Warn("client event payload rejected", "event", evt.Event, "error", err)
		return
	}

	switch evt.Event {
	case ClientEventTyping:
		s.relay.Typing(c.userID, data.ChatID, c.connID)
	case ClientEventStopTyping:
		s.relay.StopTyping(c.userID, data.ChatID, c.connID)
	}
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients that cannot
// set headers on the handshake.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HealthHandler provides a simple health check endpoint that returns server
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Parley chat server is running!")
}
