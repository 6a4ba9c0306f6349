package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds one Breaker per tenant, so a quota violation by one
// credential never degrades another. Breakers are created on first use.
// With a store, every breaker reads and mutates the shared state, so a
// reset through any registry is seen by all of them.
type Registry struct {
	cfg    Config
	store  Store
	opts   []Option
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. store may be nil. opts are applied to
// every breaker the registry creates.
func NewRegistry(cfg Config, store Store, logger zerolog.Logger, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		opts:     opts,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker of tenant, creating it if needed.
func (r *Registry) Get(ctx context.Context, tenant string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[tenant]; ok {
		return b
	}

	opts := append([]Option{WithLogger(r.logger)}, r.opts...)
	if r.store != nil {
		opts = append(opts, WithStore(r.store))
	}
	b := New(tenant, r.cfg, opts...)

	if r.store != nil {
		s, ok, err := r.store.Load(ctx, tenant)
		switch {
		case err != nil:
			breakerStoreErrorsTotal.WithLabelValues("load").Inc()
			r.logger.Warn().
				Err(err).
				Str("tenant", tenant).
				Msg("Failed to load breaker state, starting closed")
		case ok:
			b.Restore(s)
			r.logger.Debug().
				Str("tenant", tenant).
				Bool("is_open", s.IsOpen).
				Bool("is_heavy", s.IsHeavy).
				Msg("Restored breaker state")
		}
	}

	r.breakers[tenant] = b
	return b
}

// Reset performs an emergency reset of tenant's breaker and returns the
// resulting status.
func (r *Registry) Reset(ctx context.Context, tenant string) Status {
	b := r.Get(ctx, tenant)
	b.EmergencyReset(ctx)
	return b.Status(ctx)
}

// Status returns the status of tenant's breaker.
func (r *Registry) Status(ctx context.Context, tenant string) Status {
	return r.Get(ctx, tenant).Status(ctx)
}

// Tenants returns the tenants with a live breaker, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants := make([]string, 0, len(r.breakers))
	for t := range r.breakers {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}
