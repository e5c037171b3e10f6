// Package tenant maps tenant ids to lazily-created, cached data-store
// connections. The registry is owned by the composition root and injected —
// never a package global — so tests can run isolated instances.
package tenant

import (
	"database/sql"
	"sync"
	"time"
)

// State is the lifecycle state of a tenant connection.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosed     State = "closed"
)

// Conn is one live tenant connection. Exactly one exists per tenant id.
type Conn struct {
	TenantID string
	DB       *sql.DB
	Driver   string

	mu       sync.Mutex
	state    State
	lastUsed time.Time
	inflight int
}

// State returns the connection lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastUsed returns when the connection was last resolved or released.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Touch refreshes the idle clock. Every successful resolution calls this.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Acquire marks a chat operation in flight, blocking idle eviction.
func (c *Conn) Acquire() {
	c.mu.Lock()
	c.inflight++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Release ends an in-flight chat operation.
func (c *Conn) Release() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// idleSince reports whether the connection has been unused for at least d
// with no operation in flight.
func (c *Conn) idleSince(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight == 0 && time.Since(c.lastUsed) >= d
}

func (c *Conn) close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.DB.Close()
}

// Info is a read-only snapshot of a connection for listing.
type Info struct {
	TenantID string    `json:"tenant_id"`
	Driver   string    `json:"driver"`
	State    State     `json:"state"`
	LastUsed time.Time `json:"last_used"`
}

// Registry is the process-wide cache of tenant connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Get returns the live connection for a tenant, if any.
func (r *Registry) Get(tenantID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[tenantID]
	return c, ok
}

// put registers a connection. Only the router's single-flight open path
// calls this, which preserves the one-entry-per-tenant invariant.
func (r *Registry) put(c *Conn) {
	r.mu.Lock()
	r.conns[c.TenantID] = c
	r.mu.Unlock()
}

// remove drops a tenant entry if it is still the given connection.
func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[c.TenantID]; ok && cur == c {
		delete(r.conns, c.TenantID)
	}
	r.mu.Unlock()
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		c.mu.Lock()
		out = append(out, Info{
			TenantID: c.TenantID,
			Driver:   c.Driver,
			State:    c.state,
			LastUsed: c.lastUsed,
		})
		c.mu.Unlock()
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
