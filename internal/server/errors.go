// Package server declares the sentinel errors used across the relay's
// connection and room handling.
package server

import "errors"

var (
	// connection-level errors
	ErrAuthentication = errors.New("authentication failed")

	// per-event errors
	ErrAuthorization  = errors.New("not authorized for room")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrMalformedEvent = errors.New("malformed event")
)
