// Package lockmgr hands out one mutex per node address.
//
// The mutexes are not reentrant. The B-link protocol never locks a node it
// already holds: a writer holds at most the node it modifies, its new right
// sibling and one ancestor, and always acquires them bottom-up and
// left-to-right.
package lockmgr

import (
	"sync"

	"github.com/alexhholmes/fsindex/internal/base"
)

// Manager lazily creates a mutex for each address it is asked about. Two
// calls for the same address observe the same mutex until Forget is called.
type Manager struct {
	mu    sync.Mutex
	locks map[base.Address]*sync.Mutex
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{locks: make(map[base.Address]*sync.Mutex)}
}

// Mutex returns the mutex guarding addr.
func (m *Manager) Mutex(addr base.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[addr]
	if !ok {
		l = new(sync.Mutex)
		m.locks[addr] = l
	}
	return l
}

// Lock blocks until addr is held by the caller.
func (m *Manager) Lock(addr base.Address) {
	m.Mutex(addr).Lock()
}

// Unlock releases addr.
func (m *Manager) Unlock(addr base.Address) {
	m.Mutex(addr).Unlock()
}

// Forget drops the mutex of a retired address. The caller must guarantee
// that nobody holds or waits on it, which the tree does by retiring nodes
// only under its exclusive restructure lock.
func (m *Manager) Forget(addr base.Address) {
	m.mu.Lock()
	delete(m.locks, addr)
	m.mu.Unlock()
}

// Len returns the number of addresses with a live mutex.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
