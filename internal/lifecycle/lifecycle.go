// Package lifecycle ties process signals to context cancellation and runs
// the shutdown finalizers exactly once.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cjeanneret/doorbell/internal/debug"
)

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

type hook struct {
	name string
	fn   func() error
}

// Manager collects shutdown hooks. Shutdown runs them in reverse
// registration order, once, whatever the number of callers.
type Manager struct {
	mu    sync.Mutex
	hooks []hook
	once  sync.Once
	done  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers fn. Hooks added after Shutdown started are ignored.
func (m *Manager) OnShutdown(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		debug.Warn("Shutdown hook %q registered too late", name)
		return
	}
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown runs every hook. A failing hook is logged and does not stop
// the others. The returned error is the first failure.
func (m *Manager) Shutdown() error {
	var first error
	m.once.Do(func() {
		m.mu.Lock()
		m.done = true
		hooks := m.hooks
		m.hooks = nil
		m.mu.Unlock()

		debug.Section("Shutdown")
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			debug.Verbose("Running shutdown hook %q", h.name)
			if err := h.fn(); err != nil {
				err = fmt.Errorf("shutdown %s: %w", h.name, err)
				debug.Error(err)
				if first == nil {
					first = err
				}
			}
		}
	})
	return first
}
