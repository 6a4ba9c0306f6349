package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/mailfetch/pkg/retry"
)

// Config holds engine configuration.
type Config struct {
	// Plans are the batch plans of each scheduler mode.
	Plans Plans

	// ItemTimeout bounds one detail fetch including its retries.
	ItemTimeout time.Duration

	// SessionTimeout is the wall-clock ceiling of one session.
	SessionTimeout time.Duration

	// MaxTarget caps Request.TargetCount. Zero means unlimited.
	MaxTarget int

	// ListPolicy and DetailPolicy drive page and item retries.
	ListPolicy   retry.Policy
	DetailPolicy retry.Policy

	// Sleep replaces every wait (retry backoff, page and batch delays) when
	// set. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Plans:          DefaultPlans(),
		ItemTimeout:    30 * time.Second,
		SessionTimeout: 7 * time.Minute,
		MaxTarget:      5000,
		ListPolicy:     retry.ListPolicy(),
		DetailPolicy:   retry.DetailPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Plans.Validate(); err != nil {
		return err
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("item_timeout must be > 0, got %v", c.ItemTimeout)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be > 0, got %v", c.SessionTimeout)
	}
	if c.MaxTarget < 0 {
		return fmt.Errorf("max_target must be >= 0, got %d", c.MaxTarget)
	}
	return nil
}
