// Package breaker implements the per-tenant circuit breaker over quota
// violations. It gates every outbound mail API call and carries the
// heavy (degraded) bit that the batch scheduler reads at session start.
//
// The breaker is CLOSED or OPEN. It opens when consecutive quota
// violations, or transient failures, reach their thresholds, and closes
// lazily once the cooldown has elapsed. IsHeavy is orthogonal: it is set
// when the breaker opens and cleared only by a sustained success streak
// or an emergency reset.
package breaker

import (
	"time"
)

// RedisKeyPrefix prefixes the per-tenant state hash in Redis.
const RedisKeyPrefix = "mailfetch:breaker:"

// State is the persisted breaker state of one tenant.
type State struct {
	// IsOpen reports whether the breaker tripped. It stays true until the
	// first check after OpenedUntil.
	IsOpen bool `json:"is_open"`

	// OpenedUntil is the end of the current cooldown window.
	OpenedUntil time.Time `json:"opened_until"`

	// ConsecutiveErrors counts quota violations, decremented by successes.
	ConsecutiveErrors int `json:"consecutive_errors"`

	// TransientErrors counts 5xx, network and unknown failures. It trips
	// the breaker at a separate, higher threshold.
	TransientErrors int `json:"transient_errors"`

	// IsHeavy is the degraded-mode bit read by the batch scheduler.
	IsHeavy bool `json:"is_heavy"`

	// SuccessStreak counts successes since the last recorded error.
	SuccessStreak int `json:"success_streak"`

	// LastUpdate is the time of the last mutation.
	LastUpdate time.Time `json:"last_update"`
}

// OpenAt reports whether calls must be short-circuited at now.
func (s State) OpenAt(now time.Time) bool {
	return s.IsOpen && now.Before(s.OpenedUntil)
}

// CooldownRemaining returns the time left in the cooldown window.
// Returns 0 if the window has already passed.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	if !s.IsOpen {
		return 0
	}
	d := s.OpenedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Status is the externally visible summary of a breaker.
type Status struct {
	IsOpen            bool `json:"is_open"`
	IsHeavy           bool `json:"is_heavy"`
	ConsecutiveErrors int  `json:"consecutive_errors"`
}

// Status returns the summary of s.
func (s State) Status() Status {
	return Status{
		IsOpen:            s.IsOpen,
		IsHeavy:           s.IsHeavy,
		ConsecutiveErrors: s.ConsecutiveErrors,
	}
}
