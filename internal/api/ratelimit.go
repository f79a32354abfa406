package api

import (
	"sync"
	"time"
)

const limiterCleanupInterval = time.Minute

// rateLimiter is a per-client sliding window: at most limit requests
// inside any trailing window. Timestamps are pruned in place on each
// check; clients idle past two windows are swept periodically.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu          sync.Mutex
	clients     map[string][]time.Time
	lastCleanup time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
	}
}

// allow records a request for key. When the window is full it denies
// and returns the whole seconds until the oldest counted request ages
// out, rounded up for the Retry-After header.
func (l *rateLimiter) allow(key string) (retryAfter int, ok bool) {
	if l.limit <= 0 {
		return 0, true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeCleanupLocked(now)

	timestamps := l.clients[key]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= l.limit {
		l.clients[key] = valid
		wait := valid[0].Add(l.window).Sub(now)
		return int(wait/time.Second) + 1, false
	}
	l.clients[key] = append(valid, now)
	return 0, true
}

func (l *rateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < limiterCleanupInterval {
		return
	}
	l.lastCleanup = now
	cutoff := now.Add(-2 * l.window)
	for key, timestamps := range l.clients {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
