package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WindowLimiter is a bounded sliding-window rate limiter keyed by caller
// identity (IP, chat id, user id). Safe for concurrent use.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
}

// NewWindowLimiter creates a limiter allowing maxHits per key per window.
func NewWindowLimiter(maxHits int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
	}
}

// Allow returns true if the key is within its budget, and the seconds until
// the window resets when it is not.
func (r *WindowLimiter) Allow(key string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Prune stale entries when approaching the cap.
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true, 0
	}

	e.count++
	if e.count <= r.maxHits {
		return true, 0
	}
	retry := int(r.window.Seconds() - now.Sub(e.windowStart).Seconds())
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// NewGlobalLimiter returns a token bucket allowing one event per interval,
// used for operations with a single global budget such as forced index
// refreshes.
func NewGlobalLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}
