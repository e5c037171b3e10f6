// Package sweep evicts idle tenant connections on a cron schedule.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/tenant"
)

// pollInterval is how often the cron expression is re-evaluated. Minute
// granularity schedules tolerate this comfortably.
const pollInterval = 30 * time.Second

// Sweeper closes tenant connections unused longer than maxIdle.
type Sweeper struct {
	router   *tenant.Router
	bus      bus.EventPublisher
	schedule string
	maxIdle  time.Duration
	cron     *gronx.Gronx
	log      *slog.Logger
}

func New(router *tenant.Router, b bus.EventPublisher, schedule string, maxIdle time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		router:   router,
		bus:      b,
		schedule: schedule,
		maxIdle:  maxIdle,
		cron:     gronx.New(),
		log:      log,
	}
}

// Run polls until ctx is cancelled. Each due tick evicts idle connections
// and announces the evictions on the bus.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.cron.IsValid(s.schedule) {
		s.log.Warn("invalid sweep schedule, sweeper disabled", "schedule", s.schedule)
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, err := s.cron.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			// IsDue has minute resolution; one run per due minute.
			if now.Truncate(time.Minute).Equal(lastRun) {
				continue
			}
			lastRun = now.Truncate(time.Minute)
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	evicted := s.router.EvictIdle(s.maxIdle)
	if len(evicted) == 0 {
		return
	}
	s.log.Info("idle tenant connections evicted",
		"count", len(evicted), "tenants", evicted, "active", len(s.router.ListActive()))
	for _, id := range evicted {
		s.bus.Broadcast(bus.Event{Name: bus.EventTenantEvicted, Tenant: id})
	}
}
