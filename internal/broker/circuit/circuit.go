// Package circuit tracks per-endpoint error rates and temporarily suspends
// endpoints that keep failing.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrSuspended marks requests rejected because their endpoint tripped the
// breaker. Callers should not retry until the error window resets.
var ErrSuspended = errors.New("endpoint temporarily suspended due to high error rate")

// Breaker counts errors per endpoint inside a rolling window. Counts only
// grow within a window (successes decrement, floored at zero) and are reset
// wholesale when the window elapses, regardless of per-endpoint traffic.
type Breaker struct {
	threshold int
	interval  time.Duration

	mu        sync.Mutex
	counts    map[string]int
	lastReset time.Time

	now func() time.Time
}

// NewBreaker creates a breaker that suspends an endpoint after threshold
// errors within one interval.
func NewBreaker(threshold int, interval time.Duration) *Breaker {
	b := &Breaker{
		threshold: threshold,
		interval:  interval,
		counts:    make(map[string]int),
		now:       time.Now,
	}
	b.lastReset = b.now()
	return b
}

// resetIfElapsed clears all counters once the window has passed.
// Caller must hold mu.
func (b *Breaker) resetIfElapsed() {
	now := b.now()
	if now.Sub(b.lastReset) >= b.interval {
		b.counts = make(map[string]int)
		b.lastReset = now
	}
}

// RecordFailure increments the endpoint's error count.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfElapsed()
	b.counts[endpoint]++
}

// RecordSuccess decrements the endpoint's error count, floored at zero, so
// a recovering endpoint is released without waiting for a full window reset.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfElapsed()
	if b.counts[endpoint] > 0 {
		b.counts[endpoint]--
	}
}

// Suspended reports whether the endpoint has reached the error threshold in
// the current window. The window check is time-based, so a suspension lapses
// even with no further traffic on the endpoint.
func (b *Breaker) Suspended(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfElapsed()
	return b.counts[endpoint] >= b.threshold
}

// Failures reports the endpoint's current error count.
func (b *Breaker) Failures(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfElapsed()
	return b.counts[endpoint]
}
