// Package server defines the JSON event types exchanged with connected
// clients, along with content sanitization shared by the relay pipeline.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/relaychat/relay/internal/chatapi"
)

// Inbound event names accepted from clients.
const (
	eventJoinRoom  = "joinRoom"
	eventLeaveRoom = "leaveRoom"
	eventMessage   = "message"
)

// Outbound event names emitted by the relay.
const (
	eventUserJoined = "userJoined"
	eventUserLeft   = "userLeft"
	eventError      = "error"
)

const defaultMessageType = "text"

// eventUser carries the client-asserted display identity. It is trusted for
// display only; authorization and persistence always use the identity bound
// to the connection at handshake.
type eventUser struct {
	Username string `json:"username"`
}

// clientEvent is the envelope for every inbound frame. Fields that do not
// apply to a given event are simply left empty by the client.
type clientEvent struct {
	Event       string    `json:"event"`
	Room        string    `json:"room"`
	Content     string    `json:"content"`
	User        eventUser `json:"user"`
	MessageType string    `json:"messageType"`
}

// presenceEvent announces a join or leave to everyone in the room.
type presenceEvent struct {
	Event     string `json:"event"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// messageEvent is the fan-out payload for a relayed chat message: the
// persisted record merged with display metadata added by the relay.
type messageEvent struct {
	Event       string    `json:"event"`
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	UserID      int64     `json:"userId"`
	ChatRoomID  int64     `json:"chatRoomId"`
	CreatedAt   string    `json:"createdAt"`
	User        eventUser `json:"user"`
	MessageType string    `json:"messageType"`
	Timestamp   string    `json:"timestamp"`
}

// errorEvent is sent to a single connection when one of its requests is
// rejected. Other room members never see it.
type errorEvent struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

var contentSanitizer = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// sanitizeContent escapes markup-significant characters so relayed content
// cannot inject elements into an HTML-rendering client. Ampersands are left
// alone, which keeps the transformation idempotent for already-escaped text.
func sanitizeContent(content string) string {
	return contentSanitizer.Replace(content)
}

func relayTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func presencePayload(event, room, user string) []byte {
	verb := "joined"
	if event == eventUserLeft {
		verb = "left"
	}
	return mustMarshal(presenceEvent{
		Event:     event,
		User:      user,
		Message:   fmt.Sprintf("%s has %s %s", user, verb, room),
		Timestamp: relayTimestamp(),
	})
}

func messagePayload(stored *chatapi.StoredMessage, displayUser, messageType string) []byte {
	if messageType == "" {
		messageType = defaultMessageType
	}
	return mustMarshal(messageEvent{
		Event:       eventMessage,
		ID:          stored.ID,
		Content:     stored.Content,
		UserID:      stored.UserID,
		ChatRoomID:  stored.ChatRoomID,
		CreatedAt:   stored.CreatedAt,
		User:        eventUser{Username: displayUser},
		MessageType: messageType,
		Timestamp:   relayTimestamp(),
	})
}

func errorPayload(reason string) []byte {
	return mustMarshal(errorEvent{Event: eventError, Reason: reason})
}

// mustMarshal encodes outbound events built entirely from known types; an
// encode failure here is a programming error, not client input.
func mustMarshal(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error encoding outbound event %T: %v", v, err)
		return []byte(`{"event":"error","reason":"internal error"}`)
	}
	return payload
}
