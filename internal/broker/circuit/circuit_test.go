package circuit

import (
	"testing"
	"time"
)

func TestSuspendsAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Hour)

	b.RecordFailure("/orders")
	b.RecordFailure("/orders")
	if b.Suspended("/orders") {
		t.Fatal("suspended below threshold")
	}

	b.RecordFailure("/orders")
	if !b.Suspended("/orders") {
		t.Fatal("not suspended at threshold")
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	b := NewBreaker(2, time.Hour)

	b.RecordFailure("/orders")
	b.RecordFailure("/orders")

	if !b.Suspended("/orders") {
		t.Fatal("/orders should be suspended")
	}
	if b.Suspended("/positions") {
		t.Fatal("/positions should be unaffected")
	}
}

func TestSuccessDecrementsFlooredAtZero(t *testing.T) {
	b := NewBreaker(2, time.Hour)

	b.RecordSuccess("/time")
	if got := b.Failures("/time"); got != 0 {
		t.Fatalf("Failures = %d after success on clean endpoint, want 0", got)
	}

	b.RecordFailure("/time")
	b.RecordFailure("/time")
	if !b.Suspended("/time") {
		t.Fatal("should be suspended")
	}

	b.RecordSuccess("/time")
	if b.Suspended("/time") {
		t.Fatal("one success should have released the suspension")
	}
	if got := b.Failures("/time"); got != 1 {
		t.Fatalf("Failures = %d, want 1", got)
	}
}

func TestWindowResetClearsAllEndpoints(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }
	b.lastReset = now

	b.RecordFailure("/orders")
	b.RecordFailure("/positions")
	if !b.Suspended("/orders") || !b.Suspended("/positions") {
		t.Fatal("both endpoints should be suspended")
	}

	// The reset is wholesale and purely time-based: no traffic is needed
	// for a suspension to lapse.
	now = now.Add(time.Minute)
	if b.Suspended("/orders") || b.Suspended("/positions") {
		t.Fatal("window elapse should clear every endpoint")
	}
	if got := b.Failures("/orders"); got != 0 {
		t.Fatalf("Failures = %d after reset, want 0", got)
	}
}

func TestFailuresAccumulateWithinWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(10, time.Minute)
	b.now = func() time.Time { return now }
	b.lastReset = now

	b.RecordFailure("/orders")
	now = now.Add(30 * time.Second)
	b.RecordFailure("/orders")

	if got := b.Failures("/orders"); got != 2 {
		t.Fatalf("Failures = %d within one window, want 2", got)
	}
}
