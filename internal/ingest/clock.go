package ingest

import (
	"sync"
	"time"
)

// StreamClock is a logical clock driven by timestamps carried in the feed.
// It only moves forward, so replays at any speed see the same cadence as a
// live feed.
type StreamClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewStreamClock returns a clock that has not seen any data yet
func NewStreamClock() *StreamClock {
	return &StreamClock{}
}

// Advance moves the clock to t if t is later than the current time
func (c *StreamClock) Advance(t time.Time) {
	if t.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Now returns the latest stream time, or the zero time before any data arrived
func (c *StreamClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}
