package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleychat/parley/internal/metrics"
)

// StatusNotifier receives confirmed presence transitions for fan-out. It is
// an interface so tracker tests can capture transitions without a transport.
type StatusNotifier interface {
	StatusChanged(ctx context.Context, userID string, status Status, lastSeen *time.Time)
}

// Tracker drives the per-user presence state machine:
//
//	OFFLINE --(first connection registers)--> ONLINE
//	ONLINE  --(last connection unregisters)--> OFFLINE
//
// Transition detection rides on the registry's atomic count+mutate
// operations, so two connections for the same user arriving or departing
// concurrently (even on different processes) yield exactly one transition.
type Tracker struct {
	registry ConnectionRegistry
	profiles ProfileStore
	notifier StatusNotifier
	log      *slog.Logger
	now      func() time.Time
}

// NewTracker wires a presence tracker. notifier receives every confirmed
// transition, typically the status broadcaster.
func NewTracker(registry ConnectionRegistry, profiles ProfileStore, notifier StatusNotifier, log *slog.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		profiles: profiles,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Connect records a new connection for the user. If it is the user's first
// live connection anywhere, the user transitions to online: the status is
// persisted and interested peers are notified.
//
// A returned error is always ErrStoreUnavailable; the caller keeps the
// connection open without presence tracking rather than dropping it.
func (t *Tracker) Connect(ctx context.Context, userID, connID string) error {
	prior, err := t.registry.RegisterAndCount(ctx, userID, connID)
	if err != nil {
		return err
	}
	if prior > 0 {
		// Already online through another device or process.
		return nil
	}

	t.log.Info("user online", "userId", userID, "connId", connID)
	metrics.PresenceTransitions.WithLabelValues(string(StatusOnline)).Inc()
	t.persistStatus(ctx, userID, StatusOnline, nil)
	t.notifier.StatusChanged(ctx, userID, StatusOnline, nil)
	return nil
}

// Disconnect removes a connection for the user. If it was the user's last
// live connection, the user transitions to offline with lastSeen set to the
// disconnect time.
//
// Disconnect is best effort: the connection is already gone, so a store
// failure is logged and the inconsistency left to self-correct on the user's
// next transition.
func (t *Tracker) Disconnect(ctx context.Context, userID, connID string) {
	remaining, err := t.registry.UnregisterAndCount(ctx, userID, connID)
	if err != nil {
		t.log.Error("unregister failed, presence state may lag until next transition",
			"userId", userID, "connId", connID, "error", err)
		return
	}
	if remaining > 0 {
		return
	}

	lastSeen := t.now()
	t.log.Info("user offline", "userId", userID, "connId", connID, "lastSeen", lastSeen)
	metrics.PresenceTransitions.WithLabelValues(string(StatusOffline)).Inc()
	t.persistStatus(ctx, userID, StatusOffline, &lastSeen)
	t.notifier.StatusChanged(ctx, userID, StatusOffline, &lastSeen)
}

// persistStatus writes the transition to the profile store. The registry is
// authoritative for the session, so a write failure does not undo the
// transition; it is counted and logged, and the next transition overwrites
// whatever stale status the store holds.
func (t *Tracker) persistStatus(ctx context.Context, userID string, status Status, lastSeen *time.Time) {
	if err := t.profiles.SetStatus(ctx, userID, status, lastSeen); err != nil {
		metrics.StatusPersistFailures.Inc()
		t.log.Error("persisting status failed", "userId", userID, "status", status, "error", err)
	}
}
