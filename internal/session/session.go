// Package session provides the operator unlock session: a bearer token
// with a fixed expiry, checked locally. Nothing stronger is intended.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL matches the PWA's operator session window.
const DefaultTTL = 8 * time.Hour

// Manager issues and validates operator session tokens. Tokens live in
// memory only; a companion restart signs every operator out.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time // token -> issued at
}

// NewManager creates a Manager. A zero ttl means DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
}

// Issue creates a new operator session token.
func (m *Manager) Issue() string {
	token := uuid.New().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = m.now()
	return token
}

// Check reports whether the token names a live session. Expired tokens are
// dropped on sight.
func (m *Manager) Check(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	issuedAt, ok := m.tokens[token]
	if !ok {
		return false
	}
	if m.now().Sub(issuedAt) >= m.ttl {
		delete(m.tokens, token)
		return false
	}
	return true
}

// Clear ends a session. Clearing an unknown token is a no-op.
func (m *Manager) Clear(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}
