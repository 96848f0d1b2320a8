// Package clock drives the periodic "tempo clock" that sweeps expired
// sessions to paused across every tenant, per SPEC_FULL.md §4.5's TTL
// sweep. It runs as a registered cron job rather than a hand-rolled
// ticker loop, the same shape crab-cron and harunnryd-heike's scheduler
// packages use for periodic background work.
package clock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// tickSchedule matches robfig/cron's "@every" shorthand: fire once a
// second, independent of wall-clock minute boundaries.
const tickSchedule = "@every 1s"

// Sweeper is the per-tenant TTL sweep operation. *session.Manager
// implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Clock owns one cron entry that, on every tick, runs the TTL sweep for
// every tenant registered with it. Tenants are registered and
// unregistered as their Session Managers come up and go down, so the
// clock never needs to know the full tenant set in advance.
type Clock struct {
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	tenants map[string]Sweeper

	cron    *cron.Cron
	entryID cron.EntryID
	started bool
}

// New builds a Clock. Register tenants with Register before calling
// Start; tenants added after Start take effect on the next tick.
func New(logger *log.Logger) *Clock {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Clock{
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tenants: make(map[string]Sweeper),
		cron:    cron.New(),
	}
}

// Register adds or replaces the sweeper for a tenant.
func (c *Clock) Register(tenantID string, sweeper Sweeper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants[tenantID] = sweeper
}

// Unregister removes a tenant, e.g. once it's torn down.
func (c *Clock) Unregister(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
}

// Start schedules the sweep on the cron job runner and begins running
// it in the background. Calling Start twice returns an error.
func (c *Clock) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("clock: already started")
	}
	id, err := c.cron.AddFunc(tickSchedule, func() { c.Tick(ctx) })
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("schedule tempo clock: %w", err)
	}
	c.entryID = id
	c.started = true
	c.mu.Unlock()

	c.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for any in-flight tick to
// finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	<-c.cron.Stop().Done()
}

// Tick runs one TTL sweep pass across every registered tenant. It is
// exported so callers (and tests) can trigger a sweep deterministically
// instead of waiting on the cron schedule.
func (c *Clock) Tick(ctx context.Context) {
	c.mu.RLock()
	sweepers := make(map[string]Sweeper, len(c.tenants))
	for tenantID, sweeper := range c.tenants {
		sweepers[tenantID] = sweeper
	}
	c.mu.RUnlock()

	now := c.now()
	for tenantID, sweeper := range sweepers {
		paused, err := sweeper.SweepExpired(ctx, now)
		if err != nil {
			c.logger.Printf("clock: sweep failed for tenant %s: %v", tenantID, err)
			continue
		}
		if paused > 0 {
			c.logger.Printf("clock: paused %d expired session(s) for tenant %s", paused, tenantID)
		}
	}
}
