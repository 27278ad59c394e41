// Package ratelimit provides token-bucket admission control for outbound
// broker requests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with fractional token accrual. Capacity
// accrues continuously at Rate tokens per second up to MaxTokens; each
// acquisition consumes one token.
type TokenBucket struct {
	rate      float64 // tokens per second
	maxTokens float64

	// gate serializes acquisitions, including the wait for a token, so
	// concurrent callers can never over-admit. Waiters wake in near-FIFO
	// order.
	gate chan struct{}

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenBucket creates a full bucket. rate must be positive; maxTokens is
// clamped to at least 1.
func NewTokenBucket(rate, maxTokens float64) *TokenBucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &TokenBucket{
		rate:      rate,
		maxTokens: maxTokens,
		gate:      make(chan struct{}, 1),
		tokens:    maxTokens,
		now:       time.Now,
	}
}

// refill accrues tokens for the time elapsed since the last refill.
// Caller must hold mu.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if !tb.lastRefill.IsZero() && elapsed > 0 {
		tb.tokens = min(tb.maxTokens, tb.tokens+elapsed*tb.rate)
	}
	tb.lastRefill = now
}

// Acquire blocks until a token is available, then consumes one. Only the
// calling goroutine is suspended. Returns early with the context error if
// ctx is cancelled while waiting.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	select {
	case tb.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-tb.gate }()

	tb.mu.Lock()
	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		tb.mu.Unlock()
		return nil
	}

	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	tb.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// The wait covered exactly the deficit to one token; consume it.
	tb.mu.Lock()
	tb.tokens = 0
	tb.lastRefill = tb.now()
	tb.mu.Unlock()
	return nil
}

// Allow consumes a token without blocking. Returns false when the bucket is
// empty.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Remaining reports the whole tokens currently available.
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}
