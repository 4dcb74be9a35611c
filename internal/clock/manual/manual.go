// Package manual provides a settable clock for deterministic tests and replays.
package manual

import (
	"sync"
	"time"
)

// Clock returns a fixed time until advanced.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a Clock pinned at start.
func New(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the pinned time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set pins the clock at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
