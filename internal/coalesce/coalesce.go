// Package coalesce batches rapid-fire inbound messages per contact so one
// agent invocation answers a burst instead of racing one reply per line.
package coalesce

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FlushFunc receives the joined text of a settled burst. It runs on the
// timer goroutine; implementations hand off to their own workers if they
// block for long.
type FlushFunc func(key string, joined string, count int)

// Coalescer holds one pending buffer per key. Each Push resets the key's
// quiet-period timer; the buffer flushes once the contact stops typing.
type Coalescer struct {
	quiet time.Duration
	flush FlushFunc
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*buffer
	closed  bool
}

type buffer struct {
	parts []string
	timer *time.Timer
	// seq identifies the arming Push. A fired callback whose seq no longer
	// matches lost against a later Push and must not flush.
	seq int
}

// New creates a coalescer with the given quiet period.
func New(quiet time.Duration, flush FlushFunc, log *slog.Logger) *Coalescer {
	if log == nil {
		log = slog.Default()
	}
	return &Coalescer{
		quiet:   quiet,
		flush:   flush,
		log:     log,
		pending: make(map[string]*buffer),
	}
}

// Push appends text to the key's buffer and restarts its quiet timer.
func (c *Coalescer) Push(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	buf, ok := c.pending[key]
	if !ok {
		buf = &buffer{}
		c.pending[key] = buf
	} else {
		// Stop may lose against a callback already blocked on c.mu; the
		// bumped seq below turns that stale fire into a no-op. Resetting the
		// old timer instead would let it fire a second time for this key.
		buf.timer.Stop()
	}
	buf.parts = append(buf.parts, text)
	buf.seq++
	seq := buf.seq
	buf.timer = time.AfterFunc(c.quiet, func() { c.fire(key, seq) })
}

// fire removes the buffer before invoking flush so a Push arriving during
// the flush starts a fresh burst instead of being lost or double-sent.
func (c *Coalescer) fire(key string, seq int) {
	c.mu.Lock()
	buf := c.pending[key]
	if buf == nil || buf.seq != seq {
		// A later Push re-armed this key; its timer owns the flush.
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()
	c.flush(key, strings.Join(buf.parts, "\n"), len(buf.parts))
}

// Pending reports how many keys have buffered messages.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops all timers and flushes nothing. Buffered messages are already
// persisted upstream, so dropping the pending replies on shutdown is safe.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if n := len(c.pending); n > 0 {
		c.log.Warn("coalescer closed with pending buffers", "count", n)
	}
	for key, buf := range c.pending {
		buf.timer.Stop()
		delete(c.pending, key)
	}
}
