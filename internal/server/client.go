// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents one live WebSocket session of a verified user. A user may
// hold several clients at once (one per device); the connID distinguishes
// them in the shared registry and in channel groups.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	userID         string
	connID         string
	channels       map[string]struct{} // joined channel groups, guarded by hub.mutex
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *slog.Logger

	// presenceMu serializes connect-time presence setup against the
	// disconnect hook, so a connection dropping mid-setup can neither orphan
	// a registry entry nor trigger cleanup for a registration that never
	// happened.
	presenceMu     sync.Mutex
	gone           bool
	presenceActive bool
}

// NewClient creates a new Client for a verified user identity. The send
// channel is buffered to absorb fan-out bursts.
func NewClient(conn *websocket.Conn, hub *Hub, userID, connID, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		userID:         userID,
		connID:         connID,
		channels:       make(map[string]struct{}),
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		log:            hub.log,
	}
}

// UserID returns the verified identity this connection belongs to.
func (c *Client) UserID() string {
	return c.userID
}

// ConnID returns the connection's identifier in the shared registry.
func (c *Client) ConnID() string {
	return c.connID
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the
// WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.log.Warn("setting initial read deadline failed", "connId", c.connID, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.log.Warn("setting read deadline in pong handler failed", "connId", c.connID, "error", err)
		}
		return nil
	})
}

// handleReadError logs the error appropriately and returns true if the read
// loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("message exceeded maximum size",
			"connId", c.connID, "maxBytes", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("client disconnected", "userId", c.userID, "connId", c.connID, "reason", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("client connection closed", "userId", c.userID, "connId", c.connID)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected websocket error", "connId", c.connID, "error", err)
		return true
	}

	c.log.Warn("websocket read error", "connId", c.connID, "error", err)
	return true
}

// checkRateLimit verifies that the client has tokens left and returns true if
// the frame should be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded, frame discarded",
			"userId", c.userID, "connId", c.connID,
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processFrame validates a raw inbound frame against the event schemas and
// dispatches it; invalid frames are dropped with a log line.
func (c *Client) processFrame(raw []byte) bool {
	evt, err := ParseClientEvent(raw)
	if err != nil {
		c.log.Warn("invalid client frame dropped",
			"userId", c.userID, "connId", c.connID, "error", err)
		return false
	}

	c.hub.dispatchEvent(c, evt)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("closing connection in readPump failed", "connId", c.connID, "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleOutbound(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("closing connection in writePump failed", "connId", c.connID, "error", err)
	}
}

// handleOutbound writes a queued frame and returns false if the connection
// should be closed.
func (c *Client) handleOutbound(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.log.Warn("setting write deadline failed", "connId", c.connID, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing close message failed", "connId", c.connID, "error", err)
		}
	}
	return false
}

// writeTextMessage writes a frame and any queued frames behind it.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn("creating frame writer failed", "connId", c.connID, "error", err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Warn("writing frame failed", "connId", c.connID, "error", err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.log.Warn("closing frame writer failed", "connId", c.connID, "error", err)
		return false
	}
	return true
}

// writeQueuedMessages drains frames already waiting in the send channel,
// newline-separated within the same websocket message.
func (c *Client) writeQueuedMessages(w io.WriteCloser) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("writing frame separator failed", "connId", c.connID, "error", err)
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			c.log.Warn("writing queued frame failed", "connId", c.connID, "error", err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.log.Warn("setting ping write deadline failed", "connId", c.connID, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("writing ping failed", "connId", c.connID, "error", err)
		return false
	}
	return true
}
