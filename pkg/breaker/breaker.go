package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/retry"
)

// ErrOpen is wrapped by the rate limit error returned for short-circuited
// calls and by the error of the call that opened the breaker.
var ErrOpen = mailapi.ErrCircuitOpen

// Config holds breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive quota violations that opens
	// the breaker.
	Threshold int

	// TransientThreshold is the number of transient failures that opens
	// the breaker. Zero means 2 * Threshold.
	TransientThreshold int

	// HeavyRecoveryStreak is the number of consecutive successes that
	// clears the heavy bit.
	HeavyRecoveryStreak int

	// Backoff yields the cooldown from the attempt number of the page or
	// item whose failure tripped the breaker. Jitter is ignored.
	Backoff retry.Backoff
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:           3,
		TransientThreshold:  6,
		HeavyRecoveryStreak: 10,
		Backoff: retry.Backoff{
			Base:       2 * time.Second,
			Max:        10 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be >= 1, got %d", c.Threshold)
	}
	if c.TransientThreshold < 0 {
		return fmt.Errorf("breaker transient threshold must be >= 0, got %d", c.TransientThreshold)
	}
	if c.HeavyRecoveryStreak < 1 {
		return fmt.Errorf("breaker heavy recovery streak must be >= 1, got %d", c.HeavyRecoveryStreak)
	}
	if c.Backoff.Base <= 0 {
		return fmt.Errorf("breaker backoff base must be > 0")
	}
	return nil
}

func (c Config) transientThreshold() int {
	if c.TransientThreshold > 0 {
		return c.TransientThreshold
	}
	return 2 * c.Threshold
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStore shares the breaker state through s. Every mutation is applied
// atomically to the stored state and every check reads it first, so
// breakers of the same tenant in different processes agree.
func WithStore(s Store) Option {
	return func(b *Breaker) { b.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the breaker logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// Breaker is the circuit breaker of one tenant. All methods are safe for
// concurrent use. state mirrors the stored state when a store is set.
type Breaker struct {
	tenant string
	cfg    Config
	store  Store
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// New creates a closed breaker for tenant.
func New(tenant string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		tenant: tenant,
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tenant returns the tenant the breaker belongs to.
func (b *Breaker) Tenant() string {
	return b.tenant
}

// Restore replaces the in-memory state, typically with a snapshot loaded
// from a Store.
func (b *Breaker) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.publish()
}

// Snapshot returns a copy of the last known state without reading the
// store.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Current returns the state after closing an expired breaker. With a store
// it reflects changes made by other processes.
func (b *Breaker) Current(ctx context.Context) State {
	b.cooldown(ctx)
	return b.Snapshot()
}

// Status returns the current summary, closing an expired breaker first.
func (b *Breaker) Status(ctx context.Context) Status {
	return b.Current(ctx).Status()
}

// IsOpenNow reports whether calls must be short-circuited. An open breaker
// whose cooldown has elapsed is closed as a side effect.
func (b *Breaker) IsOpenNow(ctx context.Context) bool {
	return b.cooldown(ctx) > 0
}

// cooldown returns the time left before calls may pass again, closing the
// breaker once it has elapsed.
func (b *Breaker) cooldown(ctx context.Context) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(ctx)
	if !b.state.IsOpen {
		return 0
	}
	now := b.now()
	if left := b.state.CooldownRemaining(now); left > 0 {
		return left
	}

	b.update(ctx, func(s *State) {
		if s.IsOpen && !s.OpenAt(now) {
			s.IsOpen = false
			s.LastUpdate = now
		}
	})
	if b.state.IsOpen {
		// Reopened by another process in the meantime.
		return b.state.CooldownRemaining(now)
	}
	b.logger.Info().
		Str("tenant", b.tenant).
		Int("consecutive_errors", b.state.ConsecutiveErrors).
		Bool("is_heavy", b.state.IsHeavy).
		Msg("Circuit breaker cooldown elapsed, closing")
	return 0
}

// RecordSuccess decrements the error counters toward zero and extends the
// success streak. A long enough streak clears the heavy bit.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	streak := b.cfg.HeavyRecoveryStreak
	var recovered bool
	b.update(ctx, func(s *State) {
		recovered = false
		if s.ConsecutiveErrors > 0 {
			s.ConsecutiveErrors--
		}
		if s.TransientErrors > 0 {
			s.TransientErrors--
		}
		s.SuccessStreak++
		if s.IsHeavy && s.SuccessStreak >= streak {
			s.IsHeavy = false
			s.SuccessStreak = 0
			recovered = true
		}
		s.LastUpdate = now
	})

	if recovered {
		b.logger.Info().
			Str("tenant", b.tenant).
			Msg("Sustained success streak, leaving heavy mode")
	}
}

// RecordError registers a failed call. attempt is the 1-based attempt
// number of the page or item and keys the cooldown length. Quota
// violations and transient failures count toward their thresholds;
// timeouts, auth failures and client errors are ignored. It reports
// whether this call opened the breaker.
func (b *Breaker) RecordError(ctx context.Context, class mailapi.ErrorClass, attempt int) bool {
	switch class {
	case mailapi.ErrorClassRateLimit, mailapi.ErrorClassTransient, mailapi.ErrorClassUnknown:
	default:
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	until := now.Add(b.cfg.Backoff.Duration(attempt))
	threshold, transientThreshold := b.cfg.Threshold, b.cfg.transientThreshold()

	var tripped bool
	b.update(ctx, func(s *State) {
		tripped = false
		var over bool
		if class == mailapi.ErrorClassRateLimit {
			s.ConsecutiveErrors++
			over = s.ConsecutiveErrors >= threshold
		} else {
			s.TransientErrors++
			over = s.TransientErrors >= transientThreshold
		}
		s.SuccessStreak = 0
		s.LastUpdate = now
		if !over {
			return
		}

		wasOpen := s.OpenAt(now)
		if !wasOpen || until.After(s.OpenedUntil) {
			s.OpenedUntil = until
		}
		s.IsOpen = true
		s.IsHeavy = true
		tripped = !wasOpen
	})
	if !tripped {
		return false
	}

	breakerTripsTotal.WithLabelValues(b.tenant, string(class)).Inc()
	b.logger.Warn().
		Str("tenant", b.tenant).
		Str("error_class", string(class)).
		Int("attempt", attempt).
		Int("consecutive_errors", b.state.ConsecutiveErrors).
		Int("transient_errors", b.state.TransientErrors).
		Time("opened_until", b.state.OpenedUntil).
		Msg("Circuit breaker opened")
	return true
}

// EmergencyReset closes the breaker and clears the heavy bit and all
// counters.
func (b *Breaker) EmergencyReset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.update(ctx, func(s *State) {
		*s = State{LastUpdate: now}
	})
	breakerResetsTotal.WithLabelValues(b.tenant).Inc()
	b.logger.Warn().
		Str("tenant", b.tenant).
		Msg("Circuit breaker emergency reset")
}

// refresh replaces state with the stored state. A missing entry means the
// tenant was never seen or its state expired. Called with b.mu held.
func (b *Breaker) refresh(ctx context.Context) {
	if b.store == nil {
		return
	}
	s, ok, err := b.store.Load(context.WithoutCancel(ctx), b.tenant)
	if err != nil {
		breakerStoreErrorsTotal.WithLabelValues("load").Inc()
		b.logger.Warn().
			Err(err).
			Str("tenant", b.tenant).
			Msg("Failed to load breaker state, using local copy")
		return
	}
	if !ok {
		s = State{}
	}
	b.state = s
	b.publish()
}

// update applies fn to the state. With a store, fn runs inside the store's
// atomic update and the result replaces the local copy; if the store fails,
// fn is applied locally so the breaker keeps working. Called with b.mu held.
func (b *Breaker) update(ctx context.Context, fn func(s *State)) {
	defer b.publish()
	if b.store == nil {
		fn(&b.state)
		return
	}
	s, err := b.store.Update(context.WithoutCancel(ctx), b.tenant, fn)
	if err != nil {
		breakerStoreErrorsTotal.WithLabelValues("update").Inc()
		b.logger.Warn().
			Err(err).
			Str("tenant", b.tenant).
			Msg("Failed to update shared breaker state, applying locally")
		fn(&b.state)
		return
	}
	b.state = s
}

func (b *Breaker) publish() {
	breakerOpen.WithLabelValues(b.tenant).Set(boolGauge(b.state.IsOpen))
	breakerHeavy.WithLabelValues(b.tenant).Set(boolGauge(b.state.IsHeavy))
}

// Call gates fn behind b. While the breaker is open it returns a rate
// limit error wrapping ErrOpen without calling fn; short-circuited calls
// are not recorded. Otherwise the outcome of fn is recorded with the given
// attempt number, and a failure that leaves the breaker open also wraps
// ErrOpen so callers stop waiting between attempts. Failures caused by ctx
// ending are not recorded.
func Call[T any](ctx context.Context, b *Breaker, attempt int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if left := b.cooldown(ctx); left > 0 {
		breakerShortCircuitsTotal.WithLabelValues(b.tenant).Inc()
		b.logger.Debug().
			Str("tenant", b.tenant).
			Int("attempt", attempt).
			Dur("cooldown_remaining", left).
			Msg("Circuit open, short-circuiting call")
		return zero, mailapi.NewError(mailapi.ErrorClassRateLimit, 0, "circuit open", ErrOpen)
	}

	v, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, err
		}
		if b.RecordError(ctx, mailapi.ClassOf(err), attempt) || b.openLocally() {
			return zero, fmt.Errorf("%w: %w", err, ErrOpen)
		}
		return zero, err
	}
	b.RecordSuccess(ctx)
	return v, nil
}

// openLocally reports whether the last known state is open, without
// reading the store.
func (b *Breaker) openLocally() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.OpenAt(b.now())
}
