package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// ConnectionError wraps a failure to open or verify a tenant connection.
// Failed opens are never cached; the next resolution retries from scratch.
type ConnectionError struct {
	Tenant string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s: connection failed: %v", e.Tenant, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Opener dials the data store for one tenant and returns a verified handle.
// It must only return once the connection has been pinged and the schema
// applied, so a cached Conn is always usable.
type Opener func(ctx context.Context, tenantID string) (*sql.DB, string, error)

// Router resolves tenant ids to connections, creating them on first use.
// Concurrent resolutions of the same tenant collapse into a single dial.
type Router struct {
	registry *Registry
	open     Opener
	group    singleflight.Group
	log      *slog.Logger
}

// NewRouter wires a router over a registry with the given opener.
func NewRouter(reg *Registry, open Opener, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: reg, open: open, log: log}
}

// Resolve returns the cached connection for a tenant, dialing it first if
// needed. The cache is checked again inside the single-flight callback so
// that waiters piggyback on a dial that completed between check and call.
func (r *Router) Resolve(ctx context.Context, tenantID string) (*Conn, error) {
	if c, ok := r.registry.Get(tenantID); ok && c.State() == StateReady {
		c.Touch()
		return c, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		if c, ok := r.registry.Get(tenantID); ok && c.State() == StateReady {
			return c, nil
		}
		start := time.Now()
		db, driver, err := r.open(ctx, tenantID)
		if err != nil {
			return nil, &ConnectionError{Tenant: tenantID, Err: err}
		}
		c := &Conn{
			TenantID: tenantID,
			DB:       db,
			Driver:   driver,
			state:    StateReady,
			lastUsed: time.Now(),
		}
		r.registry.put(c)
		r.log.Info("tenant connection opened",
			"tenant", tenantID,
			"driver", driver,
			"took", time.Since(start).Round(time.Millisecond))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*Conn)
	c.Touch()
	return c, nil
}

// Evict closes and removes a tenant's connection. Resolving the tenant
// again reopens it. Evicting an unknown tenant is a no-op.
func (r *Router) Evict(tenantID string) bool {
	c, ok := r.registry.Get(tenantID)
	if !ok {
		return false
	}
	r.registry.remove(c)
	if err := c.close(); err != nil {
		r.log.Warn("tenant connection close failed", "tenant", tenantID, "error", err)
	}
	return true
}

// EvictIdle closes connections that have been unused for at least maxIdle.
// Connections with operations in flight are skipped. Returns the ids of the
// evicted tenants.
func (r *Router) EvictIdle(maxIdle time.Duration) []string {
	var evicted []string
	for _, info := range r.registry.List() {
		c, ok := r.registry.Get(info.TenantID)
		if !ok || !c.idleSince(maxIdle) {
			continue
		}
		r.registry.remove(c)
		if err := c.close(); err != nil {
			r.log.Warn("idle eviction close failed", "tenant", c.TenantID, "error", err)
		}
		evicted = append(evicted, c.TenantID)
	}
	return evicted
}

// ListActive snapshots the live connections for the admin API.
func (r *Router) ListActive() []Info {
	return r.registry.List()
}

// CloseAll tears down every connection. Used on shutdown.
func (r *Router) CloseAll() {
	for _, info := range r.registry.List() {
		c, ok := r.registry.Get(info.TenantID)
		if !ok {
			continue
		}
		r.registry.remove(c)
		if err := c.close(); err != nil {
			r.log.Warn("shutdown close failed", "tenant", c.TenantID, "error", err)
		}
	}
}
