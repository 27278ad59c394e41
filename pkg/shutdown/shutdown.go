// Package shutdown coordinates graceful teardown: components register
// callbacks, and Shutdown runs them concurrently under one deadline.
package shutdown

import (
	"context"
	"sync"

	"github.com/lockerbot/gobroker/pkg/logger"
)

// Handler is one teardown step. It should respect ctx's deadline.
type Handler func(ctx context.Context)

// Manager collects teardown callbacks.
type Manager struct {
	callbacks []Handler
	mu        sync.Mutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers a callback to run during Shutdown.
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown runs all registered callbacks concurrently and blocks until they
// finish or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]Handler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}

	logger.Infof("shutting down, %d callbacks", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(handler Handler) {
			defer wg.Done()
			handler(ctx)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-ctx.Done():
		logger.Warnf("shutdown timed out: %v", ctx.Err())
	}
}
