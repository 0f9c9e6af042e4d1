// Package integration contains end-to-end tests for the relay server.
//
// These tests run a full relay against a fake chat service and drive it
// through real WebSocket connections, verifying the join/message/leave flows
// exactly as a client would observe them.
package integration

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/relaychat/relay/test/testhelpers"
)

// TestLobbyScenario walks the canonical two-client flow: both join a room,
// one sends a message that is persisted and fanned out to both, then one
// disconnects and the other sees the departure.
func TestLobbyScenario(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")
	fx.API.AddMember("lobby", "bob")

	connA := fx.Dial(t, "alice")
	readerA := testhelpers.NewEventReader(connA)

	testhelpers.SendEvent(t, connA, map[string]any{"event": "joinRoom", "room": "lobby"})
	joined := readerA.Expect(t, "userJoined", time.Second)
	if joined.Str("user") != "alice" {
		t.Fatalf("join notice user = %q, want alice", joined.Str("user"))
	}

	connB := fx.Dial(t, "bob")
	readerB := testhelpers.NewEventReader(connB)

	testhelpers.SendEvent(t, connB, map[string]any{"event": "joinRoom", "room": "lobby"})
	if ev := readerA.Expect(t, "userJoined", time.Second); ev.Str("user") != "bob" {
		t.Fatalf("join notice user = %q, want bob", ev.Str("user"))
	}
	if ev := readerB.Expect(t, "userJoined", time.Second); ev.Str("user") != "bob" {
		t.Fatalf("join notice user = %q, want bob", ev.Str("user"))
	}

	testhelpers.SendEvent(t, connA, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "hi",
		"user":    map[string]any{"username": "a"},
	})

	for name, reader := range map[string]*testhelpers.EventReader{"alice": readerA, "bob": readerB} {
		ev := reader.Expect(t, "message", time.Second)
		if ev.Num("id") != 1 {
			t.Errorf("%s: message id = %v, want 1", name, ev.Num("id"))
		}
		if ev.Str("content") != "hi" {
			t.Errorf("%s: content = %q, want hi", name, ev.Str("content"))
		}
		if ev.Username() != "a" {
			t.Errorf("%s: display user = %q, want a", name, ev.Username())
		}
		if ev.Str("messageType") != "text" {
			t.Errorf("%s: messageType = %q, want text", name, ev.Str("messageType"))
		}
		if ev.Str("createdAt") == "" || ev.Str("timestamp") == "" {
			t.Errorf("%s: missing timestamps: %v", name, ev)
		}
	}

	if err := connB.Close(); err != nil {
		t.Fatalf("closing bob: %v", err)
	}

	if ev := readerA.Expect(t, "userLeft", time.Second); ev.Str("user") != "bob" {
		t.Fatalf("leave notice user = %q, want bob", ev.Str("user"))
	}

	// Presence converges once disconnect cleanup runs.
	deadline := time.Now().Add(time.Second)
	for {
		members := fx.Hub.RoomMembers("lobby")
		if reflect.DeepEqual(members, []string{"alice"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lobby members = %v, want [alice]", members)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestPersistenceFailureSuppressesBroadcast verifies the relay's strongest
// invariant: a message the service did not store reaches no client. The
// sender gets an error notice; other members see nothing.
func TestPersistenceFailureSuppressesBroadcast(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")
	fx.API.AddMember("lobby", "bob")

	connA := fx.Dial(t, "alice")
	readerA := testhelpers.NewEventReader(connA)
	testhelpers.SendEvent(t, connA, map[string]any{"event": "joinRoom", "room": "lobby"})
	readerA.Expect(t, "userJoined", time.Second)

	connB := fx.Dial(t, "bob")
	readerB := testhelpers.NewEventReader(connB)
	testhelpers.SendEvent(t, connB, map[string]any{"event": "joinRoom", "room": "lobby"})
	readerB.Expect(t, "userJoined", time.Second)

	fx.API.SetFailPersist(true)

	testhelpers.SendEvent(t, connA, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "doomed",
	})

	ev := readerA.Expect(t, "error", time.Second)
	if ev.Str("reason") != "message could not be saved" {
		t.Fatalf("error reason = %q", ev.Str("reason"))
	}

	readerB.ExpectNone(t, "message", 200*time.Millisecond)

	if count := fx.API.StoredCount(); count != 0 {
		t.Fatalf("stored count = %d, want 0", count)
	}
}

// TestRateLimitSixthMessageRejected sends six messages rapid-fire from one
// connection and verifies the first five relay while the sixth is dropped
// with a rate-limit notice.
func TestRateLimitSixthMessageRejected(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)
	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})
	reader.Expect(t, "userJoined", time.Second)

	for i := 1; i <= 6; i++ {
		testhelpers.SendEvent(t, conn, map[string]any{
			"event":   "message",
			"room":    "lobby",
			"content": fmt.Sprintf("msg %d", i),
		})
	}

	var relayed, limited int
	for i := 0; i < 6; i++ {
		ev, err := reader.Next(time.Second)
		if err != nil {
			t.Fatalf("reading event %d: %v", i+1, err)
		}
		switch ev.Name() {
		case "message":
			relayed++
		case "error":
			limited++
			if ev.Str("reason") != "rate limit exceeded" {
				t.Fatalf("error reason = %q", ev.Str("reason"))
			}
		default:
			t.Fatalf("unexpected event %q", ev.Name())
		}
	}

	if relayed != 5 || limited != 1 {
		t.Fatalf("relayed = %d, limited = %d; want 5 and 1", relayed, limited)
	}
	if count := fx.API.StoredCount(); count != 5 {
		t.Fatalf("stored count = %d, want 5", count)
	}
}

// TestMessageWithoutJoinRejected verifies the join-gating policy: a message
// for a room the connection never joined is rejected with an error notice
// and never persisted.
func TestMessageWithoutJoinRejected(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)

	testhelpers.SendEvent(t, conn, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "sneaky",
	})

	ev := reader.Expect(t, "error", time.Second)
	if ev.Str("reason") != "join the room before sending messages" {
		t.Fatalf("error reason = %q", ev.Str("reason"))
	}
	if count := fx.API.StoredCount(); count != 0 {
		t.Fatalf("stored count = %d, want 0", count)
	}
}

// TestJoinDeniedForNonMember verifies a clean membership denial produces an
// access-denied notice and no presence change.
func TestJoinDeniedForNonMember(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "bob") // alice is not a member

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)

	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})

	ev := reader.Expect(t, "error", time.Second)
	if ev.Str("reason") != "access denied: not a member of lobby" {
		t.Fatalf("error reason = %q", ev.Str("reason"))
	}
	if members := fx.Hub.RoomMembers("lobby"); members != nil {
		t.Fatalf("lobby members = %v, want nil", members)
	}
}

// TestJoinMembershipOutage verifies a membership query failure is surfaced
// distinctly from a denial, and fails closed.
func TestJoinMembershipOutage(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")
	fx.API.SetFailMembership(true)

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)

	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})

	ev := reader.Expect(t, "error", time.Second)
	if ev.Str("reason") != "membership service unavailable" {
		t.Fatalf("error reason = %q", ev.Str("reason"))
	}
	if members := fx.Hub.RoomMembers("lobby"); members != nil {
		t.Fatalf("lobby members = %v, want nil", members)
	}
}

// TestContentSanitizedEndToEnd verifies markup escaping happens before
// persistence and that ampersands survive untouched.
func TestContentSanitizedEndToEnd(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)
	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})
	reader.Expect(t, "userJoined", time.Second)

	testhelpers.SendEvent(t, conn, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "<script>alert('x')</script> & &lt;",
	})

	ev := reader.Expect(t, "message", time.Second)
	want := "&lt;script&gt;alert('x')&lt;/script&gt; & &lt;"
	if ev.Str("content") != want {
		t.Fatalf("content = %q, want %q", ev.Str("content"), want)
	}
}

// TestDisplayIdentityFallsBackToBoundIdentity verifies a message without a
// client-asserted username is displayed under the handshake identity.
func TestDisplayIdentityFallsBackToBoundIdentity(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)
	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})
	reader.Expect(t, "userJoined", time.Second)

	testhelpers.SendEvent(t, conn, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "no display name",
	})

	ev := reader.Expect(t, "message", time.Second)
	if ev.Username() != "alice" {
		t.Fatalf("display user = %q, want alice", ev.Username())
	}
}

// TestMalformedMessagesSilentlyDropped verifies shape validation: blank
// content and unparseable frames are logged and dropped with no
// client-visible error.
func TestMalformedMessagesSilentlyDropped(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)
	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})
	reader.Expect(t, "userJoined", time.Second)

	testhelpers.SendEvent(t, conn, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "   ",
	})

	reader.ExpectNone(t, "error", 200*time.Millisecond)
	if count := fx.API.StoredCount(); count != 0 {
		t.Fatalf("stored count = %d, want 0", count)
	}
}

// TestLeaveRoomStopsDelivery verifies a connection that leaves a room sees
// no further messages from it.
func TestLeaveRoomStopsDelivery(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")
	fx.API.AddMember("lobby", "bob")

	connA := fx.Dial(t, "alice")
	readerA := testhelpers.NewEventReader(connA)
	testhelpers.SendEvent(t, connA, map[string]any{"event": "joinRoom", "room": "lobby"})
	readerA.Expect(t, "userJoined", time.Second)

	connB := fx.Dial(t, "bob")
	readerB := testhelpers.NewEventReader(connB)
	testhelpers.SendEvent(t, connB, map[string]any{"event": "joinRoom", "room": "lobby"})
	readerB.Expect(t, "userJoined", time.Second)

	testhelpers.SendEvent(t, connB, map[string]any{"event": "leaveRoom", "room": "lobby"})
	if ev := readerA.Expect(t, "userLeft", time.Second); ev.Str("user") != "bob" {
		t.Fatalf("leave notice user = %q, want bob", ev.Str("user"))
	}

	testhelpers.SendEvent(t, connA, map[string]any{
		"event":   "message",
		"room":    "lobby",
		"content": "bye bob",
	})

	readerA.Expect(t, "message", time.Second)
	readerB.ExpectNone(t, "message", 200*time.Millisecond)
}
