// Package syncgroup wraps sync.WaitGroup to simplify goroutine lifecycle
// management: Add and Done are handled internally so a forgotten Done cannot
// leak a waiter.
package syncgroup

import "sync"

// SyncGroup tracks a set of goroutines started with Go.
type SyncGroup struct {
	wg sync.WaitGroup
}

// NewSyncGroup creates an empty group.
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go runs fn in its own goroutine, tracked by the group.
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
