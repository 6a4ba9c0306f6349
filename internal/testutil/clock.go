package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manual clock. Its Sleep advances the clock instead of
// blocking, so a retry loop and a breaker sharing it observe the same
// passage of time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time

	// Sleeps records every duration passed to Sleep.
	Sleeps []time.Duration
}

// NewFakeClock creates a clock set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock by d. It matches retry.Policy.Sleep.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sleeps = append(c.Sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// SleepCalls returns a copy of the recorded sleeps.
func (c *FakeClock) SleepCalls() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.Sleeps...)
}
