// Package integration contains end-to-end tests for the Parley server.
//
// These tests run the complete stack: real WebSocket connections against a
// live HTTP server, the Redis-backed connection registry, and in-memory
// conversation and profile stores. They verify the observable contract of the
// presence subsystem rather than individual components.
package integration

import (
	"testing"
	"time"

	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/test/testhelpers"
)

const eventTimeout = 3 * time.Second
const quietWindow = 500 * time.Millisecond

func TestPeerSeesSingleTransitionAcrossDevices(t *testing.T) {
	env := testhelpers.StartEnv(t)
	env.Conversations.AddChannel("general", "alice", "bob")

	bobConn := testhelpers.ConnectWebSocket(t, env, "bob")
	testhelpers.WaitForConnections(t, env, "bob", 1)
	bob := testhelpers.NewEventReader(bobConn)

	// First device: exactly one online event reaches bob.
	alice1 := testhelpers.ConnectWebSocket(t, env, "alice")
	testhelpers.WaitForConnections(t, env, "alice", 1)

	evt := bob.ExpectEvent(t, eventTimeout)
	if evt.Event != presence.EventUserStatusChanged {
		t.Fatalf("Expected %s, got %s", presence.EventUserStatusChanged, evt.Event)
	}
	if evt.Data["userId"] != "alice" || evt.Data["status"] != string(presence.StatusOnline) {
		t.Fatalf("Unexpected online payload: %v", evt.Data)
	}

	// Second device: no additional transition.
	alice2 := testhelpers.ConnectWebSocket(t, env, "alice")
	testhelpers.WaitForConnections(t, env, "alice", 2)
	bob.ExpectNoEvent(t, quietWindow)

	// Dropping one device: alice stays online.
	if err := testhelpers.CloseWebSocket(alice1); err != nil {
		t.Fatalf("Failed to close first session: %v", err)
	}
	testhelpers.WaitForConnections(t, env, "alice", 1)
	bob.ExpectNoEvent(t, quietWindow)

	// Dropping the last device: exactly one offline event.
	if err := testhelpers.CloseWebSocket(alice2); err != nil {
		t.Fatalf("Failed to close second session: %v", err)
	}
	testhelpers.WaitForConnections(t, env, "alice", 0)

	evt = bob.ExpectEvent(t, eventTimeout)
	if evt.Event != presence.EventUserStatusChanged {
		t.Fatalf("Expected %s, got %s", presence.EventUserStatusChanged, evt.Event)
	}
	if evt.Data["userId"] != "alice" || evt.Data["status"] != string(presence.StatusOffline) {
		t.Fatalf("Unexpected offline payload: %v", evt.Data)
	}

	record, ok := env.Profiles.StatusOf("alice")
	if !ok {
		t.Fatal("No status persisted for alice")
	}
	if record.Status != presence.StatusOffline {
		t.Errorf("Persisted status = %v, want offline", record.Status)
	}
	if record.LastSeen == nil {
		t.Error("Offline status persisted without a lastSeen timestamp")
	}
}

func TestStatusNotDeliveredToUnrelatedUsers(t *testing.T) {
	env := testhelpers.StartEnv(t)
	env.Conversations.AddChannel("general", "alice", "bob")
	env.Conversations.AddChannel("lounge", "carol")

	carolConn := testhelpers.ConnectWebSocket(t, env, "carol")
	testhelpers.WaitForConnections(t, env, "carol", 1)
	carol := testhelpers.NewEventReader(carolConn)

	testhelpers.ConnectWebSocket(t, env, "alice")
	testhelpers.WaitForConnections(t, env, "alice", 1)

	// Carol shares no channel with alice and must hear nothing.
	carol.ExpectNoEvent(t, quietWindow)
}

func TestEachPeerDeviceReceivesStatus(t *testing.T) {
	env := testhelpers.StartEnv(t)
	env.Conversations.AddChannel("general", "alice", "bob")

	bobPhone := testhelpers.NewEventReader(testhelpers.ConnectWebSocket(t, env, "bob"))
	testhelpers.WaitForConnections(t, env, "bob", 1)
	bobLaptop := testhelpers.NewEventReader(testhelpers.ConnectWebSocket(t, env, "bob"))
	testhelpers.WaitForConnections(t, env, "bob", 2)

	testhelpers.ConnectWebSocket(t, env, "alice")
	testhelpers.WaitForConnections(t, env, "alice", 1)

	for name, reader := range map[string]*testhelpers.EventReader{
		"phone":  bobPhone,
		"laptop": bobLaptop,
	} {
		evt := reader.ExpectEvent(t, eventTimeout)
		if evt.Event != presence.EventUserStatusChanged || evt.Data["userId"] != "alice" {
			t.Errorf("Device %s: unexpected event %+v", name, evt)
		}
	}
}

func TestRejectsInvalidCredentials(t *testing.T) {
	env := testhelpers.StartEnv(t)

	if status := testhelpers.DialExpectingRejection(t, env, ""); status != 401 {
		t.Errorf("Missing token: status = %d, want 401", status)
	}
	if status := testhelpers.DialExpectingRejection(t, env, "not-a-token"); status != 401 {
		t.Errorf("Garbage token: status = %d, want 401", status)
	}
}
