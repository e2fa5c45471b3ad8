package statusipc

import (
	"sync"
	"time"
)

// RateLimiter caps requests per connection over a sliding window.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	mu          sync.Mutex
	requests    map[uint64][]time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[uint64][]time.Time),
	}
}

// Allow records a request from conn and reports whether it is within the
// limit.
func (r *RateLimiter) Allow(conn uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	existing := r.requests[conn]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxRequests {
		r.requests[conn] = pruned
		return false
	}
	r.requests[conn] = append(pruned, now)
	return true
}

// Forget drops the history of a closed connection.
func (r *RateLimiter) Forget(conn uint64) {
	r.mu.Lock()
	delete(r.requests, conn)
	r.mu.Unlock()
}
