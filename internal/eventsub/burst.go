package eventsub

import (
	"sync"
	"time"
)

// burstCounter is a leaky error counter. Every upstream error bumps the
// level by one and the level drains at one unit per second, so only
// sustained failure keeps it elevated. The session manager doubles its
// reconnect backoff while the level sits above the configured threshold.
type burstCounter struct {
	mu    sync.Mutex
	level float64
	last  time.Time
	now   func() time.Time
}

func newBurstCounter() *burstCounter {
	return &burstCounter{now: time.Now}
}

// Bump decays the level, adds one error, and returns the new level.
func (b *burstCounter) Bump() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decayLocked()
	b.level++
	return b.level
}

// Level decays and returns the current level.
func (b *burstCounter) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decayLocked()
	return b.level
}

func (b *burstCounter) decayLocked() {
	now := b.now()
	if !b.last.IsZero() {
		b.level -= now.Sub(b.last).Seconds()
		if b.level < 0 {
			b.level = 0
		}
	}
	b.last = now
}
