// Package queue implements the bounded priority queue of pending outbound
// requests. Lower priority numbers are served first; within a priority band,
// submission order holds.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/lockerbot/gobroker/pkg/sigchan"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("request queue closed")

type entry[T any] struct {
	val      T
	priority int
	seq      uint64
}

type entryHeap[T any] []entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = entry[T]{}
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue safe for concurrent producers and
// consumers. When full, Put evicts the least urgent entry rather than
// blocking or failing: under sustained overload the queue sheds load
// instead of growing without bound.
type Queue[T any] struct {
	mu       sync.Mutex
	items    entryHeap[T]
	capacity int
	seq      uint64
	closed   bool

	notEmpty *sigchan.Chan
	done     chan struct{}
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make(entryHeap[T], 0, capacity),
		capacity: capacity,
		notEmpty: sigchan.New(1),
		done:     make(chan struct{}),
	}
}

// Put enqueues val at the given priority (lower is more urgent). ok is
// false when the queue is closed, or when the queue was full and val itself
// was the least urgent entry. When enqueueing evicts another entry, that
// entry is returned so its owner can be told; eviction is a backpressure
// valve, not an error condition.
func (q *Queue[T]) Put(val T, priority int) (evicted T, hasEvicted bool, ok bool) {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, false, false
	}

	q.seq++
	e := entry[T]{val: val, priority: priority, seq: q.seq}

	if len(q.items) >= q.capacity {
		worst := q.worstIndex()
		if q.lessThanEntry(e, q.items[worst]) {
			// Incoming entry beats the current worst: drop the worst.
			removed := heap.Remove(&q.items, worst).(entry[T])
			heap.Push(&q.items, e)
			q.mu.Unlock()
			q.notEmpty.Emit()
			return removed.val, true, true
		}
		// Incoming entry is the least urgent of all: shed it.
		q.mu.Unlock()
		return zero, false, false
	}

	heap.Push(&q.items, e)
	q.mu.Unlock()

	q.notEmpty.Emit()
	return zero, false, true
}

// lessThanEntry reports whether a should be served before b.
func (q *Queue[T]) lessThanEntry(a, b entry[T]) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// worstIndex returns the index of the least urgent entry. Heap leaves hold
// the candidates; a linear scan is fine at queue capacities.
// Caller must hold mu.
func (q *Queue[T]) worstIndex() int {
	worst := 0
	for i := 1; i < len(q.items); i++ {
		if q.lessThanEntry(q.items[worst], q.items[i]) {
			worst = i
		}
	}
	return worst
}

// Get blocks until an item is available, then removes and returns the most
// urgent, oldest one. Returns ErrClosed once the queue is closed and
// drained, or the context error if ctx ends first.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := heap.Pop(&q.items).(entry[T])
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Wake the next waiter; signals coalesce.
				q.notEmpty.Emit()
			}
			return e.val, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			// Loop once more to drain anything racing with Close.
		case <-q.notEmpty.C():
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Queued items can still be drained with Get.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
