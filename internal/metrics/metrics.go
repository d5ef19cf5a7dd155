// Package metrics exposes Prometheus collectors for the Parley server:
// connection counts, presence transitions, and event fan-out volumes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the number of WebSocket connections currently
	// held by this process.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_connections",
		Help: "Number of live WebSocket connections on this process",
	})

	// PresenceTransitions counts online/offline transitions by resulting status.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_presence_transitions_total",
		Help: "Total presence state transitions, labeled by resulting status",
	}, []string{"status"})

	// StatusPushes counts individual status events pushed to peer connections.
	StatusPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_status_pushes_total",
		Help: "Total user_status_changed events pushed to connections",
	})

	// TypingRelayed counts typing/stopTyping events relayed to channel groups.
	TypingRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_typing_relayed_total",
		Help: "Total typing indicator events relayed room-local",
	})

	// MembershipQueryFailures counts failed conversation-store lookups, which
	// leave a connection or broadcast running in degraded mode.
	MembershipQueryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_membership_query_failures_total",
		Help: "Total failed channel membership queries",
	})

	// StatusPersistFailures counts profile-store writes that failed and were
	// tolerated; the next transition self-corrects the stored status.
	StatusPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_status_persist_failures_total",
		Help: "Total tolerated failures persisting presence status",
	})
)
