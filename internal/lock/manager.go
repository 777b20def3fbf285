// Package lock enforces single-writer access to manuscript sections.
// Locks are advisory: they gate the editor UI, they are not a security
// boundary. The presence registry is the backing store so that a user's
// departure releases everything they held.
package lock

import (
	"manuscript-collab/internal/presence"
)

// Holder identifies the user currently granted a section lock.
type Holder struct {
	UserID   string
	Username string
}

// Manager grants and releases exclusive section locks on top of the
// presence registry.
type Manager struct {
	registry *presence.Registry
}

// NewManager creates a lock manager backed by the given registry.
func NewManager(registry *presence.Registry) *Manager {
	return &Manager{registry: registry}
}

// Request attempts to lock (documentID, section) for userID. It returns
// true when granted: the section was free or the requester already holds it
// (idempotent re-grant). Contention is a normal denied outcome, not an
// error; the existing holder is undisturbed.
func (m *Manager) Request(documentID, section, userID string) bool {
	return m.registry.Lock(documentID, section, userID)
}

// Release unlocks (documentID, section) if userID is the current holder.
// Releasing a section one does not hold is a no-op and returns false.
func (m *Manager) Release(documentID, section, userID string) bool {
	return m.registry.Unlock(documentID, section, userID)
}

// Holder returns the current lock holder for a section, if any.
func (m *Manager) Holder(documentID, section string) (Holder, bool) {
	userID, username, held := m.registry.Holder(documentID, section)
	if !held {
		return Holder{}, false
	}
	return Holder{UserID: userID, Username: username}, true
}
