package presence_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/presence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFirstConnectionTransitionsToOnline(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	if err := tracker.Connect(context.Background(), "alice", "conn-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	transitions := notifier.all()
	if len(transitions) != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", len(transitions))
	}
	if transitions[0].UserID != "alice" || transitions[0].Status != presence.StatusOnline {
		t.Errorf("unexpected transition: %+v", transitions[0])
	}
	if transitions[0].LastSeen != nil {
		t.Error("online transition should not carry a lastSeen timestamp")
	}

	records := profiles.all()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 status write, got %d", len(records))
	}
	if records[0].Status != presence.StatusOnline || records[0].LastSeen != nil {
		t.Errorf("unexpected status write: %+v", records[0])
	}
}

func TestSecondConnectionDoesNotRetransition(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	ctx := context.Background()
	if err := tracker.Connect(ctx, "alice", "conn-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := tracker.Connect(ctx, "alice", "conn-2"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if got := len(notifier.all()); got != 1 {
		t.Errorf("expected 1 transition for two connections, got %d", got)
	}
	if got := len(profiles.all()); got != 1 {
		t.Errorf("expected 1 status write for two connections, got %d", got)
	}
}

func TestPartialDisconnectStaysOnline(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	ctx := context.Background()
	_ = tracker.Connect(ctx, "alice", "conn-1")
	_ = tracker.Connect(ctx, "alice", "conn-2")

	tracker.Disconnect(ctx, "alice", "conn-1")

	transitions := notifier.all()
	if len(transitions) != 1 {
		t.Fatalf("expected no offline transition while a connection remains, got %d transitions", len(transitions))
	}
	if transitions[0].Status != presence.StatusOnline {
		t.Errorf("remaining transition should be the initial online, got %v", transitions[0].Status)
	}
}

func TestLastDisconnectTransitionsToOffline(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	ctx := context.Background()
	_ = tracker.Connect(ctx, "alice", "conn-1")
	_ = tracker.Connect(ctx, "alice", "conn-2")

	before := time.Now()
	tracker.Disconnect(ctx, "alice", "conn-1")
	tracker.Disconnect(ctx, "alice", "conn-2")

	transitions := notifier.all()
	if len(transitions) != 2 {
		t.Fatalf("expected online then offline, got %d transitions", len(transitions))
	}
	offline := transitions[1]
	if offline.Status != presence.StatusOffline {
		t.Fatalf("expected offline transition, got %v", offline.Status)
	}
	if offline.LastSeen == nil {
		t.Fatal("offline transition must carry a lastSeen timestamp")
	}
	if offline.LastSeen.Before(before) {
		t.Errorf("lastSeen %v predates the disconnect at %v", offline.LastSeen, before)
	}

	records := profiles.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 status writes, got %d", len(records))
	}
	if records[1].Status != presence.StatusOffline || records[1].LastSeen == nil {
		t.Errorf("unexpected offline status write: %+v", records[1])
	}
}

func TestConnectRegistryDownReturnsStoreUnavailable(t *testing.T) {
	registry := newFakeRegistry()
	registry.down = true
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	err := tracker.Connect(context.Background(), "alice", "conn-1")
	if !errors.Is(err, presence.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(notifier.all()) != 0 {
		t.Error("no transition should be announced when the registry is down")
	}
	if len(profiles.all()) != 0 {
		t.Error("no status should be persisted when the registry is down")
	}
}

func TestDisconnectRegistryDownSuppressesTransition(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	ctx := context.Background()
	_ = tracker.Connect(ctx, "alice", "conn-1")

	registry.down = true
	tracker.Disconnect(ctx, "alice", "conn-1")

	transitions := notifier.all()
	if len(transitions) != 1 || transitions[0].Status != presence.StatusOnline {
		t.Errorf("no offline transition should fire when the registry is down, got %+v", transitions)
	}
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{err: errors.New("mongo down")}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	if err := tracker.Connect(context.Background(), "alice", "conn-1"); err != nil {
		t.Fatalf("Connect should tolerate a profile store failure, got %v", err)
	}
	if got := len(notifier.all()); got != 1 {
		t.Errorf("transition must still be announced after a persist failure, got %d", got)
	}
}

// TestConcurrentConnectsSingleTransition hammers the tracker from many
// goroutines and checks that exactly one online transition fires regardless of
// interleaving, which is the point of counting and mutating atomically.
func TestConcurrentConnectsSingleTransition(t *testing.T) {
	registry := newFakeRegistry()
	profiles := &fakeProfiles{}
	notifier := &capturingNotifier{}
	tracker := presence.NewTracker(registry, profiles, notifier, discardLogger())

	const sessions = 32
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := "conn-" + string(rune('a'+n%26)) + "-" + string(rune('0'+n/26))
			_ = tracker.Connect(context.Background(), "alice", connID)
		}(i)
	}
	wg.Wait()

	if got := len(notifier.all()); got != 1 {
		t.Errorf("expected exactly 1 online transition for %d concurrent connects, got %d", sessions, got)
	}
}
