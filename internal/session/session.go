// Package session tracks the authenticated owner scope for RepBook Core.
package session

import (
	"sync"

	"github.com/repbook/core/internal/logging"
)

// Manager holds the current owner id. An empty owner denotes the
// anonymous, local-only scope; absence is reported through the second
// return value rather than an error. Switching owner never deletes
// data, it only changes which records are visible.
type Manager struct {
	mu      sync.RWMutex
	ownerID string

	// Callbacks invoked after an owner switch, used to re-point
	// owner-scoped collaborators such as the realtime stream.
	onChange []func(ownerID string)
}

// NewManager creates a Manager starting in the anonymous scope.
func NewManager() *Manager {
	return &Manager{}
}

// Current returns the active owner id. The second value is false in
// the anonymous scope.
func (m *Manager) Current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerID, m.ownerID != ""
}

// IsAnonymous reports whether no owner is signed in.
func (m *Manager) IsAnonymous() bool {
	_, ok := m.Current()
	return !ok
}

// SetOwner switches the active owner scope and notifies change
// listeners. Setting the already-active owner is a no-op.
func (m *Manager) SetOwner(ownerID string) {
	m.mu.Lock()
	if m.ownerID == ownerID {
		m.mu.Unlock()
		return
	}
	m.ownerID = ownerID
	listeners := make([]func(string), len(m.onChange))
	copy(listeners, m.onChange)
	m.mu.Unlock()

	logging.Info("Owner scope changed",
		map[string]interface{}{"owner_id": ownerID})

	for _, fn := range listeners {
		fn(ownerID)
	}
}

// Clear returns to the anonymous scope and notifies change listeners.
func (m *Manager) Clear() {
	m.SetOwner("")
}

// OnChange registers a listener invoked with the new owner id after
// every scope switch. Register before the Manager is shared; listeners
// cannot be removed.
func (m *Manager) OnChange(fn func(ownerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}
