package relay

import (
	"sync"
	"time"
)

// rateLimiter caps how many envelopes this node forwards per window. Flood
// routing amplifies traffic quadratically in dense crowds; the cap bounds the
// battery and airtime a single node donates to other people's messages.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time

	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{limit: limit, window: window, now: now}
}

// Allow consumes one forwarding slot if the current window has budget left.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit <= 0 {
		return true // unlimited
	}

	now := r.now()
	if now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}
