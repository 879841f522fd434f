package nodeio

import (
	"fmt"
	"sync"

	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/freelist"
)

// MemStore keeps nodes in memory. Flushing only recycles retired addresses
// and the journal is a no-op.
type MemStore[N Node] struct {
	mu        sync.RWMutex
	nodes     map[base.Address]N
	unwritten map[base.Address]struct{}
	free      *freelist.Freelist
	next      base.Address
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[N Node]() *MemStore[N] {
	return &MemStore[N]{
		nodes:     make(map[base.Address]N),
		unwritten: map[base.Address]struct{}{base.RootAddress: {}},
		free:      freelist.New(),
		next:      base.RootAddress + 1,
	}
}

func (s *MemStore[N]) AllocateAddress() (base.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.free.Allocate()
	if addr == base.Unallocated {
		addr = s.next
		s.next++
	}
	s.unwritten[addr] = struct{}{}
	return addr, nil
}

func (s *MemStore[N]) ReadNode(addr base.Address) (N, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[addr]
	if !ok {
		var zero N
		return zero, fmt.Errorf("read %s: %w", addr, base.ErrNotFound)
	}
	return n, nil
}

func (s *MemStore[N]) WriteNode(n N) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := n.Address()
	_, live := s.nodes[addr]
	_, reserved := s.unwritten[addr]
	if !live && !reserved {
		return fmt.Errorf("write %s: address not allocated: %w", addr, base.ErrNotFound)
	}
	delete(s.unwritten, addr)
	s.nodes[addr] = n
	return nil
}

func (s *MemStore[N]) DeleteNode(n N) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := n.Address()
	if _, ok := s.unwritten[addr]; ok {
		delete(s.unwritten, addr)
		s.free.Free(addr)
		return nil
	}
	if _, ok := s.nodes[addr]; !ok {
		return fmt.Errorf("delete %s: %w", addr, base.ErrNotFound)
	}
	delete(s.nodes, addr)
	s.free.Pending(addr)
	return nil
}

func (s *MemStore[N]) FlushPendingModifications() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.free.Release()
	return nil
}

func (s *MemStore[N]) WriteJournal() error {
	return nil
}

func (s *MemStore[N]) RootNodeAddress() base.Address {
	return base.RootAddress
}

// Len returns the number of live nodes.
func (s *MemStore[N]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
