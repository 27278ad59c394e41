package queue

import (
	"context"
	"testing"
	"time"
)

func mustGet(t *testing.T, q *Queue[string]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v
}

func put(t *testing.T, q *Queue[string], val string, priority int) {
	t.Helper()
	if _, _, ok := q.Put(val, priority); !ok {
		t.Fatalf("Put(%q, %d) not admitted", val, priority)
	}
}

func TestPriorityOrder(t *testing.T) {
	q := New[string](10)

	put(t, q, "market", 2)
	put(t, q, "order", 0)
	put(t, q, "account", 1)

	for _, want := range []string{"order", "account", "market"} {
		if got := mustGet(t, q); got != want {
			t.Fatalf("Get = %q, want %q", got, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New[string](10)

	put(t, q, "first", 1)
	put(t, q, "second", 1)
	put(t, q, "third", 1)

	for _, want := range []string{"first", "second", "third"} {
		if got := mustGet(t, q); got != want {
			t.Fatalf("Get = %q, want %q", got, want)
		}
	}
}

func TestFullQueueEvictsWorst(t *testing.T) {
	q := New[string](2)

	put(t, q, "low-a", 5)
	put(t, q, "low-b", 5)

	evicted, hasEvicted, ok := q.Put("urgent", 0)
	if !ok {
		t.Fatal("urgent entry should be admitted")
	}
	if !hasEvicted {
		t.Fatal("admission into a full queue must evict")
	}
	// Within priority 5, low-b is newer, so it is the least urgent.
	if evicted != "low-b" {
		t.Fatalf("evicted %q, want %q", evicted, "low-b")
	}

	if got := mustGet(t, q); got != "urgent" {
		t.Fatalf("Get = %q, want %q", got, "urgent")
	}
	if got := mustGet(t, q); got != "low-a" {
		t.Fatalf("Get = %q, want %q", got, "low-a")
	}
}

func TestFullQueueShedsLeastUrgentIncoming(t *testing.T) {
	q := New[string](2)

	put(t, q, "a", 0)
	put(t, q, "b", 0)

	evicted, hasEvicted, ok := q.Put("straggler", 9)
	if ok {
		t.Fatal("least urgent incoming entry should be shed")
	}
	if hasEvicted {
		t.Fatalf("nothing should be evicted, got %q", evicted)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
}

func TestSamePriorityFullQueueShedsNewcomer(t *testing.T) {
	// Equal priority ties break by age, so the newcomer is the worst entry
	// and must be the one shed.
	q := New[string](1)

	put(t, q, "incumbent", 3)
	if _, _, ok := q.Put("newcomer", 3); ok {
		t.Fatal("newcomer at equal priority should be shed")
	}
	if got := mustGet(t, q); got != "incumbent" {
		t.Fatalf("Get = %q, want %q", got, "incumbent")
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New[string](10)

	got := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, err := q.Get(ctx)
		if err != nil {
			return
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	put(t, q, "late", 0)

	select {
	case v := <-got:
		if v != "late" {
			t.Fatalf("Get = %q, want %q", v, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestGetHonorsContext(t *testing.T) {
	q := New[string](10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Get(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Get = %v, want context.DeadlineExceeded", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New[string](10)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("Get after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Close")
	}

	if _, _, ok := q.Put("x", 0); ok {
		t.Fatal("Put after Close should not be admitted")
	}
}
