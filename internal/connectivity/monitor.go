// Package connectivity tracks the platform's online/offline signal.
package connectivity

import (
	"sync"

	"github.com/grannygear/workshop/internal/logging"
)

// Monitor exposes the current connectivity state and fires edge-triggered
// callbacks on transitions. It does not probe the network itself: the
// platform signal (the UI reporting navigator.onLine over the local
// WebSocket, or transport-level hints) drives Set.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []func(online bool)
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a callback fired on every transition. Callbacks run
// on the goroutine that called Set, after the state change is visible.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Set records the connectivity state. Subscribers are notified only when
// the state actually changes; repeated reports of the same state are
// absorbed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range subs {
		fn(online)
	}
}
