// Package testhelpers provides common utilities for testing the Parley server.
//
// It assembles a complete server environment backed by an in-process Redis and
// in-memory conversation and profile stores, mints credentials accepted by the
// WebSocket endpoint, and offers event readers that understand the server's
// frame batching.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/server"
)

// TestSecret is the HMAC secret the test environment's verifier accepts.
const TestSecret = "parley-test-secret"

// MemoryConversationStore is an in-memory presence.ConversationStore.
type MemoryConversationStore struct {
	mu       sync.Mutex
	channels []presence.Channel
}

// AddChannel registers a channel and its participants.
func (s *MemoryConversationStore) AddChannel(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, presence.Channel{ID: id, Participants: participants})
}

// ChannelsContaining implements presence.ConversationStore.
func (s *MemoryConversationStore) ChannelsContaining(_ context.Context, userID string) ([]presence.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []presence.Channel
	for _, ch := range s.channels {
		for _, p := range ch.Participants {
			if p == userID {
				out = append(out, ch)
				break
			}
		}
	}
	return out, nil
}

// ProfileRecord is the last persisted status of a user.
type ProfileRecord struct {
	Status   presence.Status
	LastSeen *time.Time
}

// MemoryProfileStore is an in-memory presence.ProfileStore.
type MemoryProfileStore struct {
	mu      sync.Mutex
	records map[string]ProfileRecord
}

// SetStatus implements presence.ProfileStore.
func (s *MemoryProfileStore) SetStatus(_ context.Context, userID string, status presence.Status, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]ProfileRecord)
	}
	s.records[userID] = ProfileRecord{Status: status, LastSeen: lastSeen}
	return nil
}

// StatusOf returns the last persisted status of a user, if any.
func (s *MemoryProfileStore) StatusOf(userID string) (ProfileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	return rec, ok
}

// Env is a fully wired server environment for integration tests.
type Env struct {
	Server        *httptest.Server
	Hub           *server.Hub
	Registry      *presence.RedisRegistry
	Conversations *MemoryConversationStore
	Profiles      *MemoryProfileStore
}

// StartEnv assembles and starts the complete server stack. Everything is torn
// down automatically when the test finishes.
func StartEnv(t *testing.T) *Env {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.JWTSecret = TestSecret
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	conversations := &MemoryConversationStore{}
	profiles := &MemoryProfileStore{}
	registry := presence.NewRedisRegistry(redisClient)

	hub := server.NewHub(logger)
	broadcaster := presence.NewBroadcaster(conversations, registry, hub, logger)
	tracker := presence.NewTracker(registry, profiles, broadcaster, logger)
	rooms := presence.NewRooms(conversations, hub, logger)
	relay := presence.NewRelay(hub, logger)
	verifier := auth.NewJWTVerifier(TestSecret)

	ws := server.NewSocketHandler(hub, verifier, rooms, tracker, relay, logger)
	go hub.Run()

	ts := httptest.NewServer(server.SetupRoutes(ws))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	return &Env{
		Server:        ts,
		Hub:           hub,
		Registry:      registry,
		Conversations: conversations,
		Profiles:      profiles,
	}
}

// MintToken signs an HS256 credential carrying the given user identity.
func MintToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(TestSecret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

// WebSocketURL converts the test server's base URL into the ws:// endpoint
// with the credential attached as a query parameter.
func WebSocketURL(baseURL, token string) string {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL
}

// ConnectWebSocket opens an authenticated WebSocket session for the user and
// registers cleanup. It fails the test if the handshake is refused.
func ConnectWebSocket(t *testing.T, env *Env, userID string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(WebSocketURL(env.Server.URL, MintToken(t, userID)), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect websocket for %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialExpectingRejection attempts a WebSocket handshake and returns the HTTP
// status code of the refusal. It fails the test if the handshake succeeds.
func DialExpectingRejection(t *testing.T, env *Env, token string) int {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(WebSocketURL(env.Server.URL, token), headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake to be refused, but it succeeded")
	}
	if resp == nil {
		t.Fatalf("Handshake failed without an HTTP response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitForConnections polls the registry until the user's connection count
// reaches want, failing the test after a few seconds. Presence setup runs
// asynchronously after the handshake, so tests synchronize on it here.
func WaitForConnections(t *testing.T, env *Env, userID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := env.Registry.Count(context.Background(), userID)
		if err == nil && n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := env.Registry.Count(context.Background(), userID)
	t.Fatalf("Timed out waiting for %s to have %d connections, currently %d", userID, want, n)
}

// Event is a decoded server-to-client frame.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// ErrNoEvent reports that no event arrived within the wait window.
var ErrNoEvent = errors.New("timed out waiting for event")

type readResult struct {
	evt Event
	err error
}

// EventReader decodes server frames from a WebSocket connection. A background
// goroutine reads continuously, so waiting for the absence of events does not
// disturb the connection the way a read deadline would. The server may batch
// several newline-separated frames into one WebSocket message; the reader
// unpacks them and hands events back one at a time.
type EventReader struct {
	items chan readResult
	err   error
}

// NewEventReader wraps a connection for event-at-a-time reading. The reader
// owns the connection's read side from this point on.
func NewEventReader(conn *websocket.Conn) *EventReader {
	r := &EventReader{items: make(chan readResult, 64)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				r.items <- readResult{err: err}
				return
			}
			for _, frame := range bytes.Split(data, []byte{'\n'}) {
				if len(frame) == 0 {
					continue
				}
				var evt Event
				if err := json.Unmarshal(frame, &evt); err != nil {
					r.items <- readResult{err: err}
					return
				}
				r.items <- readResult{evt: evt}
			}
		}
	}()
	return r
}

// Next returns the next event, waiting up to timeout for one to arrive.
// A timeout returns ErrNoEvent; connection errors are sticky.
func (r *EventReader) Next(timeout time.Duration) (Event, error) {
	if r.err != nil {
		return Event{}, r.err
	}
	select {
	case item := <-r.items:
		if item.err != nil {
			r.err = item.err
			return Event{}, item.err
		}
		return item.evt, nil
	case <-time.After(timeout):
		return Event{}, ErrNoEvent
	}
}

// ExpectEvent reads the next event and fails the test if none arrives in time.
func (r *EventReader) ExpectEvent(t *testing.T, timeout time.Duration) Event {
	t.Helper()
	evt, err := r.Next(timeout)
	if err != nil {
		t.Fatalf("Expected an event, got error: %v", err)
	}
	return evt
}

// ExpectNoEvent fails the test if any event arrives within the timeout.
func (r *EventReader) ExpectNoEvent(t *testing.T, timeout time.Duration) {
	t.Helper()
	evt, err := r.Next(timeout)
	if err == nil {
		t.Fatalf("Expected no event, but received %+v", evt)
	}
	if errors.Is(err, ErrNoEvent) {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of events: %v", err)
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
