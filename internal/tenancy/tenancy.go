// Package tenancy lazily builds the per-tenant slice of the kernel's
// otherwise-shared components. Most subsystems take a tenant id as a
// call argument and are safely shared across tenants from a single
// instance; the Blackboard binds its tenant id at construction (its
// Redis keys are namespaced "{prefix}:{tenantId}:..."), and both the
// Dispatcher and the HardStopper in turn close over a single
// Blackboard for their signal/state writes even though their own
// methods also take a tenantID argument for their Redis-key-level
// operations — so a tenant's Blackboard, Manager, Dispatcher and
// HardStopper must all be built once per tenant and cached rather than
// constructed fresh, or a shared instance would silently write one
// tenant's abort signal into another tenant's Blackboard namespace.
package tenancy

import (
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"tempokernel.local/kernel/internal/blackboard"
	"tempokernel.local/kernel/internal/clock"
	"tempokernel.local/kernel/internal/dispatch"
	"tempokernel.local/kernel/internal/eventbus"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/flow"
	"tempokernel.local/kernel/internal/registry"
	"tempokernel.local/kernel/internal/reliability"
	"tempokernel.local/kernel/internal/session"
)

// Shared holds every kernel component that is not itself tenant-scoped,
// injected once at startup and reused across every tenant bundle.
type Shared struct {
	Logger      *log.Logger
	RDB         *redis.Client
	Bus         *eventbus.Bus
	EventRepo   *events.Repository
	Flows       *flow.Store
	Sessions    session.Store
	Registry    *registry.Registry
	Webhooks    *registry.WebhookClient
	Idempotency *reliability.IdempotencyGuard
	FanIn       *reliability.FanInChecker
	Retries     *reliability.RetryManager
	Scheduler   *session.Scheduler
	Clock       *clock.Clock

	KeyPrefix          string
	SessionTTLSeconds  int
	FSMConflictRetries int
	CallbackBaseURL    string
}

// Bundle is one tenant's Blackboard, Session Manager, Dispatcher and
// HardStopper — every component that closes over a single Blackboard
// instance.
type Bundle struct {
	Blackboard *blackboard.Blackboard
	Manager    *session.Manager
	Dispatcher *dispatch.Dispatcher
	Stopper    *reliability.HardStopper
}

// Registry caches one Bundle per tenant id, building it on first use.
type Registry struct {
	shared Shared

	mu      sync.Mutex
	bundles map[string]*Bundle
}

func New(shared Shared) *Registry {
	return &Registry{shared: shared, bundles: make(map[string]*Bundle)}
}

// Get returns the cached bundle for tenantID, building and registering
// it with the shared clock on first use.
func (r *Registry) Get(tenantID string) *Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bundles[tenantID]; ok {
		return b
	}

	bb := blackboard.New(r.shared.Logger, r.shared.RDB, r.shared.KeyPrefix, tenantID, r.shared.SessionTTLSeconds)
	manager := session.NewManager(r.shared.Logger, tenantID, bb, r.shared.Bus, r.shared.Sessions)
	stopper := reliability.NewHardStopper(r.shared.Logger, r.shared.RDB, r.shared.Bus, bb, r.shared.KeyPrefix)
	dispatcher := dispatch.New(r.shared.Logger, dispatch.Deps{
		Flows:              r.shared.Flows,
		Sessions:           r.shared.Sessions,
		Blackboard:         bb,
		Bus:                r.shared.Bus,
		EventRepo:          r.shared.EventRepo,
		Registry:           r.shared.Registry,
		Webhooks:           r.shared.Webhooks,
		RDB:                r.shared.RDB,
		KeyPrefix:          r.shared.KeyPrefix,
		Idempotency:        r.shared.Idempotency,
		FanIn:              r.shared.FanIn,
		Stopper:            stopper,
		Retries:            r.shared.Retries,
		Scheduler:          r.shared.Scheduler,
		FSMConflictRetries: r.shared.FSMConflictRetries,
		CallbackBaseURL:    r.shared.CallbackBaseURL,
	})

	bundle := &Bundle{Blackboard: bb, Manager: manager, Dispatcher: dispatcher, Stopper: stopper}
	r.bundles[tenantID] = bundle
	if r.shared.Clock != nil {
		r.shared.Clock.Register(tenantID, manager)
	}
	r.shared.Logger.Printf("tenancy: built bundle for tenant %s", tenantID)
	return bundle
}

// Tenants returns every tenant id a bundle has been built for.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bundles))
	for id := range r.bundles {
		out = append(out, id)
	}
	return out
}
