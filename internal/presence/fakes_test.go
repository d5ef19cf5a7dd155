package presence_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/presence"
)

// fakeRegistry is an in-memory ConnectionRegistry with the same atomicity as
// the Redis scripts: count and mutation happen under one lock.
type fakeRegistry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	down  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conns: make(map[string]map[string]struct{})}
}

func (r *fakeRegistry) RegisterAndCount(_ context.Context, userID, connID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, fmt.Errorf("%w: registry down", presence.ErrStoreUnavailable)
	}
	prior := int64(len(r.conns[userID]))
	if r.conns[userID] == nil {
		r.conns[userID] = make(map[string]struct{})
	}
	r.conns[userID][connID] = struct{}{}
	return prior, nil
}

func (r *fakeRegistry) UnregisterAndCount(_ context.Context, userID, connID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, fmt.Errorf("%w: registry down", presence.ErrStoreUnavailable)
	}
	delete(r.conns[userID], connID)
	return int64(len(r.conns[userID])), nil
}

func (r *fakeRegistry) Count(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, fmt.Errorf("%w: registry down", presence.ErrStoreUnavailable)
	}
	return int64(len(r.conns[userID])), nil
}

func (r *fakeRegistry) ConnectionsOf(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, fmt.Errorf("%w: registry down", presence.ErrStoreUnavailable)
	}
	conns := make([]string, 0, len(r.conns[userID]))
	for connID := range r.conns[userID] {
		conns = append(conns, connID)
	}
	sort.Strings(conns)
	return conns, nil
}

// statusRecord captures one profile store write.
type statusRecord struct {
	UserID   string
	Status   presence.Status
	LastSeen *time.Time
}

type fakeProfiles struct {
	mu      sync.Mutex
	records []statusRecord
	err     error
}

func (p *fakeProfiles) SetStatus(_ context.Context, userID string, status presence.Status, lastSeen *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, statusRecord{UserID: userID, Status: status, LastSeen: lastSeen})
	return nil
}

func (p *fakeProfiles) all() []statusRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]statusRecord(nil), p.records...)
}

type fakeConversations struct {
	channels map[string][]presence.Channel
	err      error
}

func (c *fakeConversations) ChannelsContaining(_ context.Context, userID string) ([]presence.Channel, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.channels[userID], nil
}

// sentEvent captures one direct push through the fake transport.
type sentEvent struct {
	ConnID  string
	Event   string
	Payload any
}

// groupEvent captures one group broadcast through the fake transport.
type groupEvent struct {
	ChannelID string
	Event     string
	Payload   any
	Exclude   string
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []sentEvent
	broadcasts []groupEvent
	groups     map[string]map[string]bool // channelID -> connID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{groups: make(map[string]map[string]bool)}
}

func (t *fakeTransport) SendToConnection(connID, event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentEvent{ConnID: connID, Event: event, Payload: payload})
}

func (t *fakeTransport) JoinGroup(connID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[channelID] == nil {
		t.groups[channelID] = make(map[string]bool)
	}
	t.groups[channelID][connID] = true
}

func (t *fakeTransport) BroadcastToGroup(channelID, event string, payload any, excludeConnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, groupEvent{
		ChannelID: channelID, Event: event, Payload: payload, Exclude: excludeConnID,
	})
}

func (t *fakeTransport) sentEvents() []sentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentEvent(nil), t.sent...)
}

func (t *fakeTransport) groupBroadcasts() []groupEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]groupEvent(nil), t.broadcasts...)
}

// transition captures one notifier invocation for tracker tests.
type transition struct {
	UserID   string
	Status   presence.Status
	LastSeen *time.Time
}

type capturingNotifier struct {
	mu          sync.Mutex
	transitions []transition
}

func (n *capturingNotifier) StatusChanged(_ context.Context, userID string, status presence.Status, lastSeen *time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, transition{UserID: userID, Status: status, LastSeen: lastSeen})
}

func (n *capturingNotifier) all() []transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transition(nil), n.transitions...)
}
