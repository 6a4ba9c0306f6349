// Package retry provides a generic retry combinator driven by the mail API
// error taxonomy.
//
// A Policy maps each error class to a Rule (retryable, attempt ceiling,
// backoff). Do runs an operation under a policy until it succeeds, the error
// is not retryable, the class ceiling is reached or the context ends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

var (
	// ErrRetryExhausted is returned when the attempt ceiling was reached.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ended while waiting
	// between attempts.
	ErrContextCancelled = errors.New("context cancelled during retry")
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_retries_total",
		Help: "Total number of retry attempts by operation and error class",
	}, []string{"operation", "error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailfetch_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation and error class",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 10, 30},
	}, []string{"operation", "error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation and error class",
	}, []string{"operation", "error_class"})
)

// Backoff is an exponential backoff schedule.
type Backoff struct {
	// Base is the wait after the first failed attempt.
	Base time.Duration

	// Max caps the wait.
	Max time.Duration

	// Multiplier is the growth factor per attempt. Zero means 2.
	Multiplier float64

	// Jitter is the symmetric random spread, e.g. 0.2 for ±20%. Zero disables it.
	Jitter float64
}

// Duration returns the un-jittered wait after the given failed attempt
// (1-based): Base * Multiplier^(attempt-1), capped at Max.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) jittered(attempt int) time.Duration {
	d := b.Duration(attempt)
	if b.Jitter <= 0 {
		return d
	}
	spread := 1 - b.Jitter + rand.Float64()*2*b.Jitter
	return time.Duration(float64(d) * spread)
}

// Rule describes how one error class is retried.
type Rule struct {
	Retryable   bool
	MaxAttempts int
	Backoff     Backoff
}

// Policy parameterises Do.
type Policy struct {
	// Name labels logs and metrics (e.g. "list", "detail").
	Name string

	// Rules by error class. Classes without a rule use Default.
	Rules   map[mailapi.ErrorClass]Rule
	Default Rule

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RuleFor returns the rule applied to class.
func (p Policy) RuleFor(class mailapi.ErrorClass) Rule {
	if r, ok := p.Rules[class]; ok {
		return r
	}
	return p.Default
}

// Do runs op until it succeeds or the policy gives up. op receives the
// 1-based attempt number. A retry-after hint carried by the error lengthens
// the wait but never shortens it. Errors caused by an open circuit breaker
// are retried without waiting: the breaker cooldown already spaces them, and
// sleeping past it would let the next attempt reach the backend.
//
// Exhaustion wraps both ErrRetryExhausted and the last error, so callers can
// still inspect the error class.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		v, err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("operation", p.Name).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return v, nil
		}

		class := mailapi.ClassOf(err)
		rule := p.RuleFor(class)
		if !rule.Retryable {
			return zero, err
		}
		if attempt >= rule.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(p.Name, string(class)).Inc()
			log.Warn().
				Str("operation", p.Name).
				Str("error_class", string(class)).
				Int("max_attempts", rule.MaxAttempts).
				Err(err).
				Msg("Retry attempts exhausted")
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		var wait time.Duration
		if !mailapi.IsCircuitOpen(err) {
			wait = rule.Backoff.jittered(attempt)
			if hint := mailapi.RetryAfterOf(err); hint > wait {
				wait = hint
			}
		}

		retriesTotal.WithLabelValues(p.Name, string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(p.Name, string(class)).Observe(wait.Seconds())

		log.Debug().
			Str("operation", p.Name).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("Retrying after backoff")

		if err := sleep(ctx, wait); err != nil {
			log.Warn().
				Str("operation", p.Name).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep is a Sleep that returns immediately unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
