package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock steps time manually for deterministic refill math.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllowBurst(t *testing.T) {
	tb := NewTokenBucket(10, 5)

	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("Allow() = false on call %d, want full burst of 5", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("Allow() = true with empty bucket")
	}
}

func TestRefillIsFractional(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tb := NewTokenBucket(2, 10) // 2 tokens/sec
	tb.now = clock.now
	tb.lastRefill = clock.now()

	for i := 0; i < 10; i++ {
		tb.Allow()
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}

	// 250ms at 2/sec accrues half a token: still not enough.
	clock.advance(250 * time.Millisecond)
	if tb.Allow() {
		t.Fatal("half a token should not admit a request")
	}

	// Another 250ms completes the token; the fractional half must not have
	// been lost by the failed attempt above.
	clock.advance(250 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("one full second's accrual should admit exactly one request")
	}
	if tb.Allow() {
		t.Fatal("only one token should have accrued")
	}
}

func TestRefillCapped(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tb := NewTokenBucket(100, 3)
	tb.now = clock.now
	tb.lastRefill = clock.now()

	for i := 0; i < 3; i++ {
		tb.Allow()
	}

	clock.advance(time.Hour)
	if got := tb.Remaining(); got != 3 {
		t.Fatalf("Remaining() = %d after long idle, want cap of 3", got)
	}
}

func TestAcquireWaitsForToken(t *testing.T) {
	tb := NewTokenBucket(50, 1) // refill in 20ms once empty

	ctx := context.Background()
	if err := tb.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	start := time.Now()
	if err := tb.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("second Acquire returned after %v, expected a ~20ms wait", elapsed)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	tb := NewTokenBucket(0.1, 1) // 10s per token once empty

	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Acquire(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("Acquire = %v, want context.DeadlineExceeded", err)
	}
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	tb := NewTokenBucket(20, 2)

	var mu sync.Mutex
	var admitted []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tb.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(admitted) != 6 {
		t.Fatalf("admitted %d, want 6", len(admitted))
	}

	// Burst of 2 then 20/sec: all 6 need at least ~200ms minus the burst,
	// so ~4 tokens of accrual. Allow generous scheduling slack.
	var first, last time.Time
	for _, ts := range admitted {
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	if spread := last.Sub(first); spread < 120*time.Millisecond {
		t.Fatalf("6 admissions spread over %v, too fast for 2-burst at 20/sec", spread)
	}
}
