package discovery

import (
	"sync"
	"time"
)

// Cadence is the adaptive polling interval shared by the discovery loop
// and the relay wait loops. It starts fast while the link is unproven,
// doubles toward a cap while healthy, and snaps back to fast on any
// detected failure. The interval is monotonically non-decreasing between
// failures.
type Cadence struct {
	mu         sync.Mutex
	fast       time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

// NewCadence builds a cadence with the given bounds. Zero values fall back
// to the design defaults (5s fast, 30s cap, x2 growth).
func NewCadence(fast, max time.Duration, multiplier float64) *Cadence {
	if fast <= 0 {
		fast = 5 * time.Second
	}
	if max < fast {
		max = 30 * time.Second
	}
	if multiplier <= 1 {
		multiplier = 2.0
	}
	return &Cadence{
		fast:       fast,
		max:        max,
		multiplier: multiplier,
		current:    fast,
	}
}

// Current returns the interval to sleep before the next poll.
func (c *Cadence) Current() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RecordSuccess slows polling one step toward the cap.
func (c *Cadence) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := time.Duration(float64(c.current) * c.multiplier)
	if next > c.max {
		next = c.max
	}
	c.current = next
}

// RecordFailure resets polling to the fast interval.
func (c *Cadence) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.fast
}

// Reset returns the cadence to its initial fast interval.
func (c *Cadence) Reset() {
	c.RecordFailure()
}
