// Package locking provides named, non-blocking locks used to keep
// scheduled jobs from overlapping themselves.
package locking

import (
	"sync"

	"github.com/rs/zerolog"
)

// Manager hands out named locks. Acquire never blocks: a job that finds
// its lock held simply skips the run.
type Manager struct {
	mu   sync.Mutex
	held map[string]bool
	log  zerolog.Logger
}

// NewManager creates a lock manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		held: make(map[string]bool),
		log:  log.With().Str("component", "locking").Logger(),
	}
}

// Acquire takes the named lock if free. Returns false when the previous
// holder is still running.
func (m *Manager) Acquire(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[name] {
		m.log.Debug().Str("lock", name).Msg("Lock busy, skipping")
		return false
	}
	m.held[name] = true
	return true
}

// Release frees the named lock.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
}

// IsHeld reports whether the named lock is currently taken.
func (m *Manager) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[name]
}
