package testutil

import (
	"sync"
	"time"
)

// Epoch is the time a DeterministicClock starts from.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock stands in for time.Now in scenarios and golden tests.
// Each call to Now advances exactly one second from Epoch, so history
// timestamps and journal rows are reproducible.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu    sync.Mutex
	ticks int64
}

// NewDeterministicClock creates a clock whose first Now is Epoch + 1s.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Now advances the clock by one second and returns the new time.
// It has the signature of time.Now.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return Epoch.Add(time.Duration(c.ticks) * time.Second)
}

// Reset rewinds the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
