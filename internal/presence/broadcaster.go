package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleychat/parley/internal/metrics"
)

// Broadcaster fans a user's status change out to the interested-peer set:
// every other participant of every channel the user belongs to. Each peer
// receives the event on all of their live connections, so a peer with three
// devices open sees the change on all three.
type Broadcaster struct {
	conversations ConversationStore
	registry      ConnectionRegistry
	transport     PushTransport
	log           *slog.Logger
}

// NewBroadcaster wires a status broadcaster.
func NewBroadcaster(conversations ConversationStore, registry ConnectionRegistry, transport PushTransport, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		conversations: conversations,
		registry:      registry,
		transport:     transport,
		log:           log,
	}
}

// StatusChanged implements StatusNotifier. Delivery is at-least-once to every
// currently connected session of every interested peer; there is no
// acknowledgment and no retry beyond what the transport provides. A failed
// membership query degrades to an empty peer set rather than blocking the
// transition that triggered it.
func (b *Broadcaster) StatusChanged(ctx context.Context, userID string, status Status, lastSeen *time.Time) {
	channels, err := b.conversations.ChannelsContaining(ctx, userID)
	if err != nil {
		metrics.MembershipQueryFailures.Inc()
		b.log.Error("interested-peer query failed, status change not broadcast",
			"userId", userID, "status", status, "error", err)
		return
	}

	peers := interestedPeers(channels, userID)
	payload := StatusChangedPayload{UserID: userID, Status: status}

	delivered := 0
	for peer := range peers {
		conns, err := b.registry.ConnectionsOf(ctx, peer)
		if err != nil {
			b.log.Error("connection lookup failed, peer skipped", "peer", peer, "error", err)
			continue
		}
		for _, connID := range conns {
			b.transport.SendToConnection(connID, EventUserStatusChanged, payload)
			metrics.StatusPushes.Inc()
			delivered++
		}
	}

	b.log.Debug("status change broadcast",
		"userId", userID, "status", status, "peers", len(peers), "connections", delivered)
}

// interestedPeers unions the participants of the given channels, excluding
// the affected user. Cost is O(channels x participants), bounded by the
// user's real social graph.
func interestedPeers(channels []Channel, userID string) map[string]struct{} {
	peers := make(map[string]struct{})
	for _, ch := range channels {
		for _, participant := range ch.Participants {
			if participant == userID {
				continue
			}
			peers[participant] = struct{}{}
		}
	}
	return peers
}
