// Package chatapi implements the HTTP client for the external chat service
// that owns message persistence and room membership. The relay itself stores
// nothing; every message is handed to this service before it is broadcast,
// and every join is authorized against it.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrMembershipQuery indicates the membership check could not be
	// completed (network failure, non-2xx status, malformed response).
	// Callers must treat it as "not authorized", distinct from a clean
	// "not a member" denial.
	ErrMembershipQuery = errors.New("membership query failed")

	// ErrPersistence indicates the service did not durably store a message.
	// A message that hits this error must never be broadcast.
	ErrPersistence = errors.New("message persistence failed")
)

// StoredMessage is the canonical record returned by the persistence service.
// The relay never fabricates these fields; they come back from a successful
// store and are echoed to clients as-is.
type StoredMessage struct {
	ID         int64  `json:"id"`
	Content    string `json:"content"`
	UserID     int64  `json:"userId"`
	ChatRoomID int64  `json:"chatRoomId"`
	CreatedAt  string `json:"createdAt"`
}

type membershipResponse struct {
	Member bool `json:"member"`
}

type createMessageRequest struct {
	ChatRoom string `json:"chatRoom"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Client talks to one chat service instance. It performs no retries; the
// relay pipeline decides how failures surface to the connected client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL. Every request is
// bounded by timeout in addition to any context deadline the caller sets.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// IsMember reports whether username belongs to the named room. A 404 from
// the service is a clean "not a member"; any other failure wraps
// ErrMembershipQuery so the caller can distinguish denial from outage.
func (c *Client) IsMember(ctx context.Context, room, username string) (bool, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/members/%s",
		c.baseURL, url.PathEscape(room), url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMembershipQuery, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMembershipQuery, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, fmt.Errorf("%w: unexpected status %d", ErrMembershipQuery, resp.StatusCode)
	}

	var body membershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: decoding response: %v", ErrMembershipQuery, err)
	}
	return body.Member, nil
}

// CreateMessage durably stores a message and returns the canonical record.
// Any failure wraps ErrPersistence and means the message was not stored.
func (c *Client) CreateMessage(ctx context.Context, room, username, content string) (*StoredMessage, error) {
	payload, err := json.Marshal(createMessageRequest{
		ChatRoom: room,
		Username: username,
		Content:  content,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrPersistence, err)
	}

	endpoint := c.baseURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrPersistence, resp.StatusCode)
	}

	var stored StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrPersistence, err)
	}
	return &stored, nil
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
