package server

import "time"

// RateLimiter enforces an exact hits-per-window budget using a bounded
// FIFO of hit timestamps. A hit is rejected iff the FIFO is full and its
// oldest entry is still within one window of now; otherwise the hit is
// recorded (evicting the oldest when full). Hit cost is O(1).
//
// A RateLimiter is owned by one goroutine and is not safe for concurrent
// use.
type RateLimiter struct {
	window time.Duration
	budget int

	hits  []time.Time
	len   int
	first int

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewRateLimiter builds a limiter allowing budget hits per window.
func NewRateLimiter(window time.Duration, budget int) *RateLimiter {
	return &RateLimiter{
		window: window,
		budget: budget,
		hits:   make([]time.Time, budget),
		now:    time.Now,
	}
}

// Hit records one event. It reports true when the budget is exceeded; the
// event is not recorded in that case.
func (l *RateLimiter) Hit() bool {
	if l.budget <= 0 {
		return true
	}

	now := l.now()

	if l.len == l.budget {
		oldest := l.hits[l.first]
		if now.Sub(oldest) < l.window {
			return true
		}
		// Evict the oldest and reuse its slot.
		l.hits[l.first] = now
		l.first = (l.first + 1) % l.budget
		return false
	}

	l.hits[(l.first+l.len)%l.budget] = now
	l.len++
	return false
}
