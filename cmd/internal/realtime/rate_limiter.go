package realtime

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit inbound events per sliding window for a
// single connection. Timestamps live in a fixed ring, so Allow never allocates.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int
	count  int
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), limit: limit, window: window}
}

// Allow records an event at now and reports whether it fits in the window.
// Refused events are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.count > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % r.limit
		r.count--
	}
	if r.count >= r.limit {
		return false
	}
	r.ring[(r.head+r.count)%r.limit] = now
	r.count++
	return true
}
