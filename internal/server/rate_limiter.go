// Package server implements a fixed-window rate limiter for per-connection
// admission control that protects the relay and the persistence service
// from abuse.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	remaining   int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}

	return &rateLimiter{
		limit:     limit,
		window:    window,
		remaining: limit,
	}
}

// allow consumes one unit of quota. It never blocks; a false return means
// the current window is exhausted and the message must be dropped.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.remaining = rl.limit
	}

	if rl.remaining <= 0 {
		return false
	}

	rl.remaining--
	return true
}
