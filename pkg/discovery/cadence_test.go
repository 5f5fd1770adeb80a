package discovery

import (
	"testing"
	"time"
)

func TestCadenceGrowsToCap(t *testing.T) {
	c := NewCadence(5*time.Second, 30*time.Second, 2.0)

	if got := c.Current(); got != 5*time.Second {
		t.Fatalf("initial interval = %v, want 5s", got)
	}

	// Interval never decreases while polls keep succeeding.
	prev := c.Current()
	for i := 0; i < 10; i++ {
		c.RecordSuccess()
		cur := c.Current()
		if cur < prev {
			t.Fatalf("interval decreased from %v to %v after success", prev, cur)
		}
		if cur > 30*time.Second {
			t.Fatalf("interval %v exceeded cap", cur)
		}
		prev = cur
	}
	if prev != 30*time.Second {
		t.Errorf("interval after sustained success = %v, want the 30s cap", prev)
	}
}

func TestCadenceResetsOnFailure(t *testing.T) {
	c := NewCadence(5*time.Second, 30*time.Second, 2.0)
	for i := 0; i < 5; i++ {
		c.RecordSuccess()
	}
	c.RecordFailure()
	if got := c.Current(); got != 5*time.Second {
		t.Errorf("interval after failure = %v, want fast 5s", got)
	}
}

func TestCadenceDefaults(t *testing.T) {
	c := NewCadence(0, 0, 0)
	if got := c.Current(); got != 5*time.Second {
		t.Errorf("default fast interval = %v, want 5s", got)
	}
	for i := 0; i < 10; i++ {
		c.RecordSuccess()
	}
	if got := c.Current(); got != 30*time.Second {
		t.Errorf("default cap = %v, want 30s", got)
	}
	c.Reset()
	if got := c.Current(); got != 5*time.Second {
		t.Errorf("interval after reset = %v, want 5s", got)
	}
}
