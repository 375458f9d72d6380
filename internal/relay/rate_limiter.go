package relay

import (
	"sync"
	"time"
)

// RateLimiter applies a fixed-size window per session
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	senders map[string]*senderWindow
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit events per window for each key. A limit of
// zero or less disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		senders: make(map[string]*senderWindow),
	}
}

// Allow records one event for key and reports whether it fits the window
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.senders[key]
	if !exists {
		rl.senders[key] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= rl.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops the state for key, used when a session disconnects
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.senders, key)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for more than five windows and returns how
// many were removed
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, w := range rl.senders {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.senders, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of keys with live state
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.senders)
}
