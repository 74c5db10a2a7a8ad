package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps how many inbound events one connection may submit within a
// sliding window. Each connection gets its own limiter; there is no global
// budget, so one chatty client cannot starve the others.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a limiter, substituting the package defaults for
// non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at "now" and reports whether it fits the window.
// Timestamps arrive in read-loop order, so expired entries are always a
// prefix of the slice.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.stamps) && !r.stamps[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[expired:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
