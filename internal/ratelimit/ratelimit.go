// Package ratelimit provides a per-key fixed-window admission limiter,
// used to cap session creation per client IP.
package ratelimit

import (
	"sync"
	"time"
)

// cleanupInterval controls how often we scan for and remove stale keys.
const cleanupInterval = 5 * time.Minute

// window is a key's current count and the time its window opened.
type window struct {
	count int
	since time.Time
}

// Limiter allows at most maxAttempts per key within a fixed window: the
// window resets to (1, now) the moment a call arrives more than window
// after its start, rather than aging out individual attempts. In-memory
// only, process-wide singleton use expected.
type Limiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	windows     map[string]window
	lastCleanup time.Time
}

// New creates a rate limiter allowing maxAttempts per window, per key.
func New(maxAttempts int, windowLen time.Duration) *Limiter {
	return &Limiter{
		maxAttempts: maxAttempts,
		window:      windowLen,
		windows:     make(map[string]window),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether key is allowed another attempt right now. If the
// key's window has not yet opened, or more than l.window has elapsed
// since it opened, the window resets and the attempt is admitted as its
// first. Otherwise the attempt increments the window's count and is
// admitted iff the count is still within maxAttempts.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if now.Sub(l.lastCleanup) > cleanupInterval {
		for k, w := range l.windows {
			if now.Sub(w.since) > l.window {
				delete(l.windows, k)
			}
		}
		l.lastCleanup = now
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.since) > l.window {
		w = window{count: 1, since: now}
		l.windows[key] = w
		return true
	}

	w.count++
	l.windows[key] = w
	return w.count <= l.maxAttempts
}

// Reset clears all rate limit state (for testing).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]window)
}
