package ipc

import (
	"sync"
	"time"
)

// RateLimiter provides per-UID connection rate limiting over a sliding
// window. A limiter with maxAttempts <= 0 allows everything.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[uint32][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max attempts per window.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		attempts:    make(map[uint32][]time.Time),
	}
}

// Allow records a connection attempt by uid and reports whether it is
// within the limit.
func (r *RateLimiter) Allow(uid uint32) bool {
	if r == nil || r.maxAttempts <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	existing := r.attempts[uid]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[uid] = pruned
		return false
	}

	r.attempts[uid] = append(pruned, now)
	return true
}

// Reset clears all rate limit state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[uint32][]time.Time)
}
