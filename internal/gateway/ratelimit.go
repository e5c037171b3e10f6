package gateway

import (
	"sync"
	"time"
)

// Webhook providers retry aggressively and the endpoint is reachable by
// anyone, so each source address gets a fixed budget per window and the
// limiter remembers at most maxTrackedSources of them.
const (
	maxTrackedSources = 4096
	rateWindow        = 60 * time.Second
	rateMaxHits       = 120
)

type rateEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter counts webhook calls per source over fixed windows.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateEntry
}

func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{entries: make(map[string]rateEntry)}
}

// Allow consumes one hit from the key's current window budget.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateWindow {
		if len(r.entries) >= maxTrackedSources {
			r.evict(now)
		}
		r.entries[key] = rateEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	r.entries[key] = e
	return e.count <= rateMaxHits
}

// evict frees room for a new source: expired windows go first, then
// arbitrary entries when rotating sources filled the map inside one window.
func (r *WebhookRateLimiter) evict(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.windowStart) >= rateWindow {
			delete(r.entries, k)
		}
	}
	for k := range r.entries {
		if len(r.entries) < maxTrackedSources {
			return
		}
		delete(r.entries, k)
	}
}
