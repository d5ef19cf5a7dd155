// Package server coordinates client registration, channel-group broadcast,
// and connection cleanup for the Parley WebSocket layer via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/metrics"
)

// Hub owns every WebSocket connection of this process and the channel groups
// they subscribe to. It is the process-local half of the push transport: the
// presence subsystem resolves WHICH connections to reach through the shared
// registry and hands delivery to the hub.
//
// The hub is constructed once at startup and passed into every component that
// pushes events; there is no ambient global instance.
type Hub struct {
	mutex   sync.RWMutex
	clients map[string]*Client            // connID -> client
	groups  map[string]map[string]*Client // channelID -> connID -> client

	register   chan *Client
	unregister chan *Client

	// Lifecycle hooks, set once before Run. The transport invokes them so
	// registry and presence logic stays out of connection handler bodies.
	onDisconnect func(c *Client)
	onEvent      func(c *Client, evt ClientEvent)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

// NewHub creates and initializes a new Hub instance. The returned Hub is
// ready to manage WebSocket connections once Run is started.
func NewHub(log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
	}
}

// OnDisconnect sets the hook invoked after a connection is removed from the
// hub. It runs for every connection that registered, including connections
// whose setup never completed. Must be called before Run.
func (h *Hub) OnDisconnect(fn func(c *Client)) {
	h.onDisconnect = fn
}

// OnEvent sets the hook invoked for each validated inbound client event.
// Must be called before Run.
func (h *Hub) OnEvent(fn func(c *Client, evt ClientEvent)) {
	h.onEvent = fn
}

// Register hands a new client to the hub, which starts its pump goroutines.
// It reports whether the hub accepted the client. A hub that is shutting down
// accepts nothing; the caller still owns the connection and must close it,
// and no lifecycle hooks will fire for a refused client.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client from the hub. During shutdown the run loop is
// gone, so removal happens inline; either way the disconnect hook fires,
// which guarantees registry cleanup even for connections that die mid-setup.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
		h.removeClient(c)
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and pump startup. Call it in its own goroutine; it runs
// until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("nil client registration skipped")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.connID] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			metrics.ActiveConnections.Set(float64(clientCount))
			h.log.Info("client registered",
				"userId", client.userID, "connId", client.connID, "addr", client.addr, "total", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// JoinGroup implements the push transport's group subscription. Joining on
// behalf of a connection that already disconnected is a no-op; the connect
// flow may still be running its room snapshot when the client drops.
func (h *Hub) JoinGroup(connID, channelID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.groups[channelID] == nil {
		h.groups[channelID] = make(map[string]*Client)
	}
	h.groups[channelID][connID] = client
	client.channels[channelID] = struct{}{}
}

// SendToConnection pushes one event to a single connection on this process.
// Connections held by other processes are simply not found here; each process
// delivers to its own subset.
func (h *Hub) SendToConnection(connID, event string, payload any) {
	frame, err := marshalServerEvent(event, payload)
	if err != nil {
		h.log.Error("marshaling server event failed", "event", event, "error", err)
		return
	}

	h.mutex.RLock()
	client := h.clients[connID]
	h.mutex.RUnlock()
	if client == nil {
		return
	}

	if !h.safeSend(client, frame) {
		h.removeFailedClients([]*Client{client})
	}
}

// BroadcastToGroup pushes one event to every member of a channel group except
// the excluded connection (typically the sender).
func (h *Hub) BroadcastToGroup(channelID, event string, payload any, excludeConnID string) {
	frame, err := marshalServerEvent(event, payload)
	if err != nil {
		h.log.Error("marshaling server event failed", "event", event, "error", err)
		return
	}

	members := h.groupSnapshot(channelID)

	var failed []*Client
	for _, client := range members {
		if client.connID == excludeConnID {
			continue
		}
		if !h.safeSend(client, frame) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	// Hold the lock during the entire send operation to prevent races with
	// the channel close on unregister.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client.connID]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// groupSnapshot returns a point-in-time copy of a channel group's members.
func (h *Hub) groupSnapshot(channelID string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	group := h.groups[channelID]
	members := make([]*Client, 0, len(group))
	for _, client := range group {
		members = append(members, client)
	}
	return members
}

// removeClient detaches a client from the hub and its groups, closes its send
// channel, and fires the disconnect hook exactly once per registration.
func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	if _, ok := h.clients[client.connID]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.connID)
	h.leaveAllGroupsLocked(client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	metrics.ActiveConnections.Set(float64(clientCount))
	h.log.Info("client unregistered",
		"userId", client.userID, "connId", client.connID, "addr", client.addr, "total", clientCount)

	if h.onDisconnect != nil {
		// The hook talks to the shared stores and may block on store I/O;
		// it runs off the run loop so a slow store cannot stall
		// registrations. The wait group covers it, so Shutdown still waits
		// for in-flight cleanup.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.onDisconnect(client)
		}()
	}
}

func (h *Hub) leaveAllGroupsLocked(client *Client) {
	for channelID := range client.channels {
		if group, ok := h.groups[channelID]; ok {
			delete(group, client.connID)
			if len(group) == 0 {
				delete(h.groups, channelID)
			}
		}
	}
	client.channels = make(map[string]struct{})
}

// removeFailedClients removes clients whose send buffers overflowed, closing
// their channels and firing their disconnect hooks.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		h.mutex.RLock()
		_, exists := h.clients[client.connID]
		h.mutex.RUnlock()
		if exists {
			h.log.Warn("client removed due to full send buffer",
				"userId", client.userID, "connId", client.connID, "addr", client.addr)
			h.removeClient(client)
		}
	}
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("closing client connection failed",
					"connId", client.connID, "error", err)
			}
		}
	}

	h.log.Info("client connections closed", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all pump
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// dispatchEvent forwards a validated client event to the inbound hook.
func (h *Hub) dispatchEvent(c *Client, evt ClientEvent) {
	if h.onEvent != nil {
		h.onEvent(c, evt)
	}
}
