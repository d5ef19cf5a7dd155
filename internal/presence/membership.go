package presence

import (
	"context"
	"log/slog"

	"github.com/parleychat/parley/internal/metrics"
)

// Rooms subscribes each new connection to the broadcast groups of every
// channel its user participates in.
type Rooms struct {
	conversations ConversationStore
	transport     PushTransport
	log           *slog.Logger
}

// NewRooms wires a room membership manager.
func NewRooms(conversations ConversationStore, transport PushTransport, log *slog.Logger) *Rooms {
	return &Rooms{conversations: conversations, transport: transport, log: log}
}

// Join fetches a one-time snapshot of the user's channel membership and
// subscribes the connection to each channel group. Channels the user joins
// later in the session are NOT picked up retroactively; the client refreshes
// its subscriptions by reconnecting. This mirrors the snapshot behavior of
// the system this server replaces and is documented rather than fixed.
//
// If the membership query fails the connection still succeeds, but it
// receives no room-scoped events until it reconnects.
func (r *Rooms) Join(ctx context.Context, userID, connID string) []string {
	channels, err := r.conversations.ChannelsContaining(ctx, userID)
	if err != nil {
		metrics.MembershipQueryFailures.Inc()
		r.log.Error("membership query failed, connection joins no rooms",
			"userId", userID, "connId", connID, "error", err)
		return nil
	}

	joined := make([]string, 0, len(channels))
	for _, ch := range channels {
		r.transport.JoinGroup(connID, ch.ID)
		joined = append(joined, ch.ID)
	}

	r.log.Debug("connection joined rooms", "userId", userID, "connId", connID, "rooms", len(joined))
	return joined
}
