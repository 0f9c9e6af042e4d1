// Package server coordinates connection registration, room presence, message
// fan-out, and cleanup for the relay via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// Hub owns every live connection and all room presence state. Presence is
// only ever mutated through JoinRoom, LeaveRoom, and disconnect cleanup, all
// serialized under the hub mutex, so the presence invariant (an identity is
// in a room's set iff one of its live connections has that room joined) is
// enforced at a single choke point.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]*room
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// departure captures a leave notice that must be fanned out after the hub
// lock is released.
type departure struct {
	room    string
	payload []byte
}

// NewHub creates and initializes a new Hub instance with all necessary
// channels and maps. The returned Hub is ready to manage connections once
// Run is started.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]*room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Run starts the hub's main event loop, handling client registration and
// disconnect cleanup. This method should be called in a separate goroutine
// as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			activeConnections.Inc()
			log.Printf("Client %s (%s) registered from %s. Total clients: %d",
				client.id, client.identity, client.addr, clientCount)

			// Clients without a transport exist only in tests.
			if client.conn == nil {
				continue
			}

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.disconnect(client)
		}
	}
}

// disconnect removes the client record and drives Presence cleanup for every
// room the connection had joined. The rooms come from the connection's own
// record; the disconnecting client supplies nothing.
func (h *Hub) disconnect(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	departures := h.detachLocked(client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	activeConnections.Dec()
	log.Printf("Client %s (%s) unregistered from %s. Total clients: %d",
		client.id, client.identity, client.addr, clientCount)

	for _, d := range departures {
		h.broadcastToRoom(d.room, d.payload)
	}
}

// detachLocked removes the client from every room in its joined set and
// returns the leave notices to emit. Caller holds the hub mutex.
func (h *Hub) detachLocked(client *Client) []departure {
	var departures []departure
	for roomID := range client.rooms {
		rm := h.rooms[roomID]
		if rm == nil {
			continue
		}
		identityGone := rm.remove(client)
		if rm.empty() {
			delete(h.rooms, roomID)
		}
		if identityGone {
			departures = append(departures, departure{
				room:    roomID,
				payload: presencePayload(eventUserLeft, roomID, client.identity),
			})
		}
	}
	client.rooms = make(map[string]struct{})
	return departures
}

// JoinRoom records the room in the connection's joined set, adds the
// identity to the room's presence set, and announces the join to the room.
// The announcement is emitted even when the identity was already present
// through another connection.
func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok || client.closed {
		h.mutex.Unlock()
		return
	}
	rm := h.rooms[roomID]
	if rm == nil {
		rm = newRoom()
		h.rooms[roomID] = rm
	}
	rm.add(client)
	client.rooms[roomID] = struct{}{}
	memberCount := len(rm.members)
	h.mutex.Unlock()

	log.Printf("Client %s (%s) joined room %q. Identities present: %d",
		client.id, client.identity, roomID, memberCount)
	h.broadcastToRoom(roomID, presencePayload(eventUserJoined, roomID, client.identity))
}

// LeaveRoom removes the room from the connection's joined set and the
// identity from the room's presence set. The leave is announced only once
// the identity has no live connection left in the room. Leaving a room that
// was never joined is a safe no-op for the set.
func (h *Hub) LeaveRoom(client *Client, roomID string) {
	h.mutex.Lock()
	rm := h.rooms[roomID]
	if rm == nil {
		delete(client.rooms, roomID)
		h.mutex.Unlock()
		return
	}
	identityGone := rm.remove(client)
	delete(client.rooms, roomID)
	if rm.empty() {
		delete(h.rooms, roomID)
	}
	h.mutex.Unlock()

	log.Printf("Client %s (%s) left room %q", client.id, client.identity, roomID)
	if identityGone {
		h.broadcastToRoom(roomID, presencePayload(eventUserLeft, roomID, client.identity))
	}
}

// RoomMembers returns the identities currently present in a room, sorted.
// It returns nil for a room with no presence; empty rooms are never
// retained.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	rm := h.rooms[roomID]
	if rm == nil {
		return nil
	}
	return rm.memberList()
}

// isJoined reports whether the connection has successfully joined the room.
func (h *Hub) isJoined(client *Client, roomID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, ok := client.rooms[roomID]
	return ok
}

// broadcastToRoom delivers a payload to every connection joined to the room
// at the moment of the call. Connections whose send buffers are full are
// disconnected, matching the policy for unresponsive clients.
func (h *Hub) broadcastToRoom(roomID string, payload []byte) {
	h.mutex.RLock()
	rm := h.rooms[roomID]
	var targets []*Client
	if rm != nil {
		targets = rm.clientSnapshot()
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}

	for _, client := range failed {
		log.Printf("Client %s (%s) removed due to full send buffer", client.id, client.addr)
		h.disconnect(client)
	}
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the send attempt so unregistration cannot close
	// the channel underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all
// goroutines to complete. It returns after all client connections are closed
// and goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete.
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
