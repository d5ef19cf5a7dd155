// Package presence implements the online-status subsystem of the Parley chat
// server: connection bookkeeping in a shared store, the online/offline state
// machine, connect-time room membership, status fan-out to interested peers,
// and the transient typing relay.
//
// Every external collaborator (conversation store, user profile store, push
// transport) is a constructed dependency passed in at wiring time, so the
// whole subsystem runs against fakes in tests.
package presence

import (
	"context"
	"errors"
	"time"
)

// Status is a user's persisted presence state.
type Status string

// The two presence states a user can be in. A user is online exactly while
// they have at least one live connection.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Event names pushed to clients. These are a stable wire contract shared with
// the frontend and must not change.
const (
	EventUserStatusChanged = "user_status_changed"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
)

// StatusChangedPayload is the payload of a user_status_changed event.
type StatusChangedPayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// TypingPayload is the payload of typing and stopTyping events.
type TypingPayload struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// ErrStoreUnavailable reports that the shared registry or profile store could
// not be reached. Callers keep the connection alive in a degraded mode (no
// presence tracking) rather than tearing it down.
var ErrStoreUnavailable = errors.New("presence: backing store unavailable")

// Channel is a conversation a user participates in, as reported by the
// conversation store. Participants includes the queried user.
type Channel struct {
	ID           string
	Participants []string
}

// ConversationStore reads chat membership. It is external, read-only, and
// eventually consistent with registry state; there is no transactional
// guarantee between the two.
type ConversationStore interface {
	// ChannelsContaining returns every channel the user participates in,
	// with the full participant list of each.
	ChannelsContaining(ctx context.Context, userID string) ([]Channel, error)
}

// ProfileStore persists a user's presence status. The subsystem only ever
// writes to it; during a session the registry is the source of truth.
type ProfileStore interface {
	// SetStatus records the user's status. lastSeen is non-nil only on the
	// transition to offline.
	SetStatus(ctx context.Context, userID string, status Status, lastSeen *time.Time) error
}

// PushTransport is the subsystem's only means of reaching clients. The live
// handle is created once at process startup and threaded into every component
// that pushes events.
type PushTransport interface {
	// SendToConnection pushes one event to a single connection. Delivery is
	// best effort; a dead connection is not an error here.
	SendToConnection(connID, event string, payload any)
	// JoinGroup subscribes a connection to a channel's broadcast group.
	JoinGroup(connID, channelID string)
	// BroadcastToGroup pushes one event to every member of a channel group,
	// optionally excluding a single connection (the sender).
	BroadcastToGroup(channelID, event string, payload any, excludeConnID string)
}
