// Package integration contains graceful-shutdown tests for the relay.
package integration

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/test/testhelpers"
)

// TestHubShutdownCompletes verifies an idle hub shuts down within the
// timeout.
func TestHubShutdownCompletes(t *testing.T) {
	hub := server.NewHub()
	server.StartHub(hub)
	time.Sleep(10 * time.Millisecond)

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
}

// TestHubShutdownClosesClientConnections verifies shutdown closes live
// connections and their pump goroutines exit.
func TestHubShutdownClosesClientConnections(t *testing.T) {
	fx := testhelpers.StartRelay(t, nil)
	fx.API.AddMember("lobby", "alice")

	conn := fx.Dial(t, "alice")
	reader := testhelpers.NewEventReader(conn)
	testhelpers.SendEvent(t, conn, map[string]any{"event": "joinRoom", "room": "lobby"})
	reader.Expect(t, "userJoined", time.Second)

	if err := fx.Hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read to fail after hub shutdown")
	}
}

// TestServerShutdownGraceful verifies ShutdownServer stops a running HTTP
// server and ListenAndServe returns http.ErrServerClosed.
func TestServerShutdownGraceful(t *testing.T) {
	srv := server.CreateServer("127.0.0.1:0", http.NewServeMux())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(srv)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := server.ShutdownServer(srv, 2*time.Second); err != nil {
		t.Fatalf("ShutdownServer() = %v, want nil", err)
	}

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("StartServer() = %v, want http.ErrServerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}
