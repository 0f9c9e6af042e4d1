// Package testhelpers provides common utilities and helper functions for
// testing the relay server.
//
// This package contains reusable test utilities that are shared across unit
// and integration tests: a fake chat service standing in for the external
// persistence/membership API, helpers for dialing authenticated WebSocket
// connections, and an event reader that understands the relay's framing.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/internal/chatapi"
	"github.com/relaychat/relay/internal/server"
)

// TestOrigin is accepted by the default relay fixture's origin policy.
const TestOrigin = "http://localhost:8080"

// FakeChatAPI is an httptest-backed stand-in for the external chat service.
// It answers membership queries from a configurable member table and stores
// messages in memory, assigning sequential ids.
type FakeChatAPI struct {
	mu             sync.Mutex
	members        map[string]map[string]bool
	userIDs        map[string]int64
	roomIDs        map[string]int64
	stored         []chatapi.StoredMessage
	failPersist    bool
	failMembership bool

	server *httptest.Server
}

// NewFakeChatAPI starts the fake service. Close it after use.
func NewFakeChatAPI() *FakeChatAPI {
	f := &FakeChatAPI{
		members: make(map[string]map[string]bool),
		userIDs: make(map[string]int64),
		roomIDs: make(map[string]int64),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL returns the base URL of the fake service.
func (f *FakeChatAPI) URL() string { return f.server.URL }

// Close shuts down the fake service.
func (f *FakeChatAPI) Close() { f.server.Close() }

// AddMember marks username as a member of room.
func (f *FakeChatAPI) AddMember(room, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[room] == nil {
		f.members[room] = make(map[string]bool)
	}
	f.members[room][username] = true
}

// SetFailPersist makes every store attempt fail with a 500.
func (f *FakeChatAPI) SetFailPersist(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPersist = fail
}

// SetFailMembership makes every membership query fail with a 500.
func (f *FakeChatAPI) SetFailMembership(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMembership = fail
}

// StoredCount returns how many messages the fake service has persisted.
func (f *FakeChatAPI) StoredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *FakeChatAPI) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/rooms/"):
		f.handleMembership(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/messages":
		f.handleCreateMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeChatAPI) handleMembership(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failMembership {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	// /rooms/{room}/members/{username}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "members" {
		http.NotFound(w, r)
		return
	}
	room, username := parts[1], parts[3]

	if f.members[room] == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"member": f.members[room][username]})
}

func (f *FakeChatAPI) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPersist {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	var req struct {
		ChatRoom string `json:"chatRoom"`
		Username string `json:"username"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, ok := f.userIDs[req.Username]; !ok {
		f.userIDs[req.Username] = int64(len(f.userIDs) + 1)
	}
	if _, ok := f.roomIDs[req.ChatRoom]; !ok {
		f.roomIDs[req.ChatRoom] = int64(len(f.roomIDs) + 1)
	}

	stored := chatapi.StoredMessage{
		ID:         int64(len(f.stored) + 1),
		Content:    req.Content,
		UserID:     f.userIDs[req.Username],
		ChatRoomID: f.roomIDs[req.ChatRoom],
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	f.stored = append(f.stored, stored)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(stored)
}

// RelayFixture bundles a running relay with its fake chat service for
// integration tests.
type RelayFixture struct {
	API    *FakeChatAPI
	Hub    *server.Hub
	Config *server.Config
	Server *httptest.Server
	Secret string
}

// StartRelay builds a full relay (fake chat service, hub, handlers, HTTP
// server) and registers cleanup with the test. mutate may adjust the config
// before the relay starts; pass nil to use the defaults.
func StartRelay(t *testing.T, mutate func(*server.Config)) *RelayFixture {
	t.Helper()

	api := NewFakeChatAPI()

	cfg := server.NewConfig()
	cfg.ChatAPIURL = api.URL()
	cfg.JWTSecret = "test-secret"
	cfg.AllowedOrigins = []string{TestOrigin}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}

	hub := server.NewHub()
	server.StartHub(hub)

	handlers := server.NewHandlers(cfg, hub, chatapi.NewClient(cfg.ChatAPIURL, cfg.ChatAPITimeout))
	ts := httptest.NewServer(server.SetupRoutes(handlers))

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
		api.Close()
	})

	return &RelayFixture{
		API:    api,
		Hub:    hub,
		Config: cfg,
		Server: ts,
		Secret: cfg.JWTSecret,
	}
}

// Token issues a signed credential for identity against the fixture secret.
func (fx *RelayFixture) Token(t *testing.T, identity string) string {
	t.Helper()

	tok, err := server.NewCredentialVerifier(fx.Secret).Sign(identity, time.Hour)
	if err != nil {
		t.Fatalf("signing token for %s: %v", identity, err)
	}
	return tok
}

// Dial opens an authenticated WebSocket connection to the fixture server.
func (fx *RelayFixture) Dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()

	conn, resp, err := DialWS(fx.Server.URL, fx.Token(t, identity))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dialing as %s: %v (status %d)", identity, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWS dials the relay's websocket endpoint with the given credential.
func DialWS(serverURL, token string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}

	header := http.Header{}
	header.Set("Origin", TestOrigin)

	return websocket.DefaultDialer.Dial(wsURL, header)
}

// SendEvent writes one JSON event frame on the connection.
func SendEvent(t *testing.T, conn *websocket.Conn, event map[string]any) {
	t.Helper()

	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("writing event: %v", err)
	}
}

// Event is a loosely typed view of an outbound relay event.
type Event map[string]any

// Name returns the event field.
func (e Event) Name() string {
	name, _ := e["event"].(string)
	return name
}

// Str returns a string field.
func (e Event) Str(key string) string {
	v, _ := e[key].(string)
	return v
}

// Num returns a numeric field.
func (e Event) Num(key string) float64 {
	v, _ := e[key].(float64)
	return v
}

// Username digs into the user object of a message event.
func (e Event) Username() string {
	user, _ := e["user"].(map[string]any)
	name, _ := user["username"].(string)
	return name
}

// EventReader splits newline-batched frames into individual events.
type EventReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

// NewEventReader wraps a connection for event-at-a-time reads.
func NewEventReader(conn *websocket.Conn) *EventReader {
	return &EventReader{conn: conn}
}

// Next returns the next event, waiting up to timeout for a frame.
func (r *EventReader) Next(timeout time.Duration) (Event, error) {
	if len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		r.pending = bytes.Split(data, []byte{'\n'})
	}

	raw := r.pending[0]
	r.pending = r.pending[1:]

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding event %q: %w", raw, err)
	}
	return ev, nil
}

// Expect reads events until one with the given name arrives, failing the
// test on timeout. Events of other names are skipped.
func (r *EventReader) Expect(t *testing.T, name string, timeout time.Duration) Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %q event", name)
		}
		ev, err := r.Next(remaining)
		if err != nil {
			t.Fatalf("waiting for %q event: %v", name, err)
		}
		if ev.Name() == name {
			return ev
		}
	}
}

// ExpectNone asserts that no event with the given name arrives within the
// wait period.
func (r *EventReader) ExpectNone(t *testing.T, name string, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		ev, err := r.Next(remaining)
		if err != nil {
			return // timeout or closed connection: nothing arrived
		}
		if ev.Name() == name {
			t.Fatalf("unexpected %q event: %v", name, ev)
		}
	}
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes
// don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot
// be created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to create %s request to %s: %v", method, url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to execute %s request to %s: %v", method, url, err)
	}

	return resp
}
