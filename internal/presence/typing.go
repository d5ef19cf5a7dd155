package presence

import (
	"log/slog"

	"github.com/parleychat/parley/internal/metrics"
)

// Relay forwards transient typing indicators to the other members of a
// channel's broadcast group. Events are never persisted, never replayed, and
// never touch the registry; delivery relies entirely on the group
// subscriptions established at connect time. A sender who is not subscribed
// to the channel group reaches no one, silently.
type Relay struct {
	transport PushTransport
	log       *slog.Logger
}

// NewRelay wires a typing relay.
func NewRelay(transport PushTransport, log *slog.Logger) *Relay {
	return &Relay{transport: transport, log: log}
}

// Typing relays a typing-start indicator from the given connection to the
// rest of the channel group.
func (r *Relay) Typing(userID, chatID, connID string) {
	r.relay(EventTyping, userID, chatID, connID)
}

// StopTyping relays a typing-stop indicator from the given connection to the
// rest of the channel group.
func (r *Relay) StopTyping(userID, chatID, connID string) {
	r.relay(EventStopTyping, userID, chatID, connID)
}

func (r *Relay) relay(event, userID, chatID, connID string) {
	r.transport.BroadcastToGroup(chatID, event, TypingPayload{UserID: userID, ChatID: chatID}, connID)
	metrics.TypingRelayed.Inc()
	r.log.Debug("typing event relayed", "event", event, "userId", userID, "chatId", chatID)
}
