// Package server manages individual WebSocket connections: read/write pumps,
// the ordered relay pipeline, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/internal/chatapi"
)

// Client represents one live connection in the relay. The identity is bound
// at handshake and immutable afterwards; the joined-room set is owned by the
// hub and guarded by its mutex. Events for a connection are processed one at
// a time by its readPump, so a second message never starts while the
// previous one's persistence call is outstanding.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	identity string
	rooms    map[string]struct{}
	closed   bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	api        *chatapi.Client
	apiTimeout time.Duration
}

// NewClient creates a Client for an authenticated connection. The rate
// limiter is created per connection and discarded with it; quota never
// carries over to a reconnect.
func NewClient(conn *websocket.Conn, hub *Hub, addr, identity string, api *chatapi.Client, cfg *Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Messages, cfg.RateLimit.Window)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		identity:       identity,
		rooms:          make(map[string]struct{}),
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		api:            api,
		apiTimeout:     cfg.ChatAPITimeout,
	}
}

// GetSendChan returns the client's send channel for reading outgoing
// messages. This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Identity returns the identity bound to the connection at handshake.
func (c *Client) Identity() string {
	return c.identity
}

// setupReadConnection configures read deadlines and pong handler for the
// WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// notifyError sends an error event to this connection only.
func (c *Client) notifyError(reason string) {
	c.hub.safeSend(c, errorPayload(reason))
}

// handleEvent parses one inbound frame and dispatches it. Unparseable frames
// and unknown event names are dropped after logging; the client sees
// nothing.
func (c *Client) handleEvent(raw []byte) {
	var ev clientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		messagesRejected.WithLabelValues("malformed").Inc()
		log.Printf("Dropping frame from %s (%s): %v: %v", c.identity, c.addr, ErrMalformedEvent, err)
		return
	}

	switch ev.Event {
	case eventJoinRoom:
		c.handleJoinEvent(ev)
	case eventLeaveRoom:
		c.handleLeaveEvent(ev)
	case eventMessage:
		c.handleMessageEvent(ev)
	default:
		messagesRejected.WithLabelValues("malformed").Inc()
		log.Printf("Unknown event %q from %s (%s); discarding", ev.Event, c.identity, c.addr)
	}
}

// handleJoinEvent authorizes the join against the membership authority and,
// on success, records the room and announces the join. A denial and a query
// failure produce distinct notices so the client can tell the difference.
func (c *Client) handleJoinEvent(ev clientEvent) {
	if ev.Room == "" {
		messagesRejected.WithLabelValues("malformed").Inc()
		log.Printf("Join with no room from %s (%s); discarding", c.identity, c.addr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.apiTimeout)
	defer cancel()

	member, err := c.api.IsMember(ctx, ev.Room, c.identity)
	if err != nil {
		log.Printf("Membership query for %s in %q failed: %v", c.identity, ev.Room, err)
		c.notifyError("membership service unavailable")
		return
	}
	if !member {
		log.Printf("Join denied for %s in %q: %v", c.identity, ev.Room, ErrAuthorization)
		c.notifyError("access denied: not a member of " + ev.Room)
		return
	}

	c.hub.JoinRoom(c, ev.Room)
}

// handleLeaveEvent removes the connection from the room.
func (c *Client) handleLeaveEvent(ev clientEvent) {
	if ev.Room == "" {
		messagesRejected.WithLabelValues("malformed").Inc()
		log.Printf("Leave with no room from %s (%s); discarding", c.identity, c.addr)
		return
	}
	c.hub.LeaveRoom(c, ev.Room)
}

// handleMessageEvent runs the relay pipeline for one chat message:
// validate, admit, sanitize, persist, then broadcast. The broadcast is a
// continuation of a successful persistence call; a message that was not
// stored is never delivered to anyone.
func (c *Client) handleMessageEvent(ev clientEvent) {
	if ev.Room == "" || strings.TrimSpace(ev.Content) == "" {
		messagesRejected.WithLabelValues("malformed").Inc()
		log.Printf("Malformed message from %s (%s); discarding", c.identity, c.addr)
		return
	}

	if !c.rateLimiter.allow() {
		messagesRejected.WithLabelValues("rate_limit").Inc()
		log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding message",
			c.addr, c.rateLimit.Messages, c.rateLimit.Window)
		c.notifyError(ErrRateLimited.Error())
		return
	}

	if !c.hub.isJoined(c, ev.Room) {
		messagesRejected.WithLabelValues("not_joined").Inc()
		log.Printf("Message for unjoined room %q from %s (%s); rejecting", ev.Room, c.identity, c.addr)
		c.notifyError("join the room before sending messages")
		return
	}

	content := sanitizeContent(ev.Content)

	ctx, cancel := context.WithTimeout(context.Background(), c.apiTimeout)
	defer cancel()

	stored, err := c.api.CreateMessage(ctx, ev.Room, c.identity, content)
	if err != nil {
		messagesRejected.WithLabelValues("persistence").Inc()
		log.Printf("Persisting message from %s in %q failed: %v", c.identity, ev.Room, err)
		c.notifyError("message could not be saved")
		return
	}

	// Client-asserted username is display-only; fall back to the bound
	// identity when absent.
	displayUser := ev.User.Username
	if displayUser == "" {
		displayUser = c.identity
	}

	messagesRelayed.Inc()
	c.hub.broadcastToRoom(ev.Room, messagePayload(stored, displayUser, ev.MessageType))
}

func (c *Client) readPump() {
	defer func() {
		// During hub shutdown nobody drains the unregister channel.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		c.handleEvent(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleOutbound(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error
// handling.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleOutbound processes outgoing messages and returns false if the
// connection should be closed.
func (c *Client) handleOutbound(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes a text message and any queued messages.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		log.Printf("Error creating writer for %s: %v", c.addr, err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		log.Printf("Error closing writer for %s: %v", c.addr, err)
		return false
	}
	return true
}

// writeQueuedMessages drains messages already buffered on the send channel
// into the same frame writer, newline-separated.
func (c *Client) writeQueuedMessages(w io.WriteCloser) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			log.Printf("Error writing newline to %s: %v", c.addr, err)
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			log.Printf("Error writing queued message to %s: %v", c.addr, err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
