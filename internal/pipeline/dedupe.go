package pipeline

import (
	"sync"
	"time"
)

// dedupeCache remembers recently seen provider message ids. Providers
// redeliver webhooks on slow acks; replaying an id within the TTL would
// double-store the message.
type dedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	max  int
}

func newDedupeCache(ttl time.Duration, max int) *dedupeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	return &dedupeCache{seen: make(map[string]time.Time), ttl: ttl, max: max}
}

// Contains reports whether the id was marked within the TTL. It never
// inserts; callers Mark only after the message is durably stored, so a
// redelivery after a failed attempt gets a second chance.
func (d *dedupeCache) Contains(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[id]
	return ok && time.Since(at) < d.ttl
}

// Mark records the id. Expired entries are pruned opportunistically on
// insert.
func (d *dedupeCache) Mark(id string) {
	if id == "" {
		return
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) >= d.max {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
		// Still full after pruning: drop arbitrary entries rather than grow.
		for k := range d.seen {
			if len(d.seen) < d.max {
				break
			}
			delete(d.seen, k)
		}
	}
	d.seen[id] = now
}
