package freelist

import "github.com/alexhholmes/fsindex/internal/base"

// Freelist tracks reusable node addresses. Addresses are freed in two stages:
//  1. Pending: the node was deleted but the page file still holds it until
//     the next flush, and a crash before then must find it intact.
//  2. Free: the flush zeroed the page, so the address can be handed out.
type Freelist struct {
	freed   map[base.Address]struct{}
	pending map[base.Address]struct{}
}

// New creates a new Freelist with empty state
func New() *Freelist {
	return &Freelist{
		freed:   make(map[base.Address]struct{}),
		pending: make(map[base.Address]struct{}),
	}
}

// Allocate returns the lowest free address, or base.Unallocated if none is
// available. Handing out low addresses first keeps the page file compact.
func (f *Freelist) Allocate() base.Address {
	if len(f.freed) == 0 {
		return base.Unallocated
	}

	lowest := base.Address(0)
	for id := range f.freed {
		if lowest == base.Unallocated || id < lowest {
			lowest = id
		}
	}
	delete(f.freed, lowest)
	return lowest
}

// Free makes an address immediately reusable.
func (f *Freelist) Free(id base.Address) {
	delete(f.pending, id)
	f.freed[id] = struct{}{}
}

// Pending parks addresses until the next Release.
func (f *Freelist) Pending(ids ...base.Address) {
	for _, id := range ids {
		f.pending[id] = struct{}{}
	}
}

// Release moves every pending address to the free set and returns how many
// were moved.
func (f *Freelist) Release() int {
	released := len(f.pending)
	for id := range f.pending {
		f.freed[id] = struct{}{}
	}
	clear(f.pending)
	return released
}

// IsFree reports whether id is reusable or waiting to become reusable.
func (f *Freelist) IsFree(id base.Address) bool {
	_, free := f.freed[id]
	_, pending := f.pending[id]
	return free || pending
}

// Take removes id from the free set. It reports false if id was not free.
func (f *Freelist) Take(id base.Address) bool {
	if _, ok := f.freed[id]; !ok {
		return false
	}
	delete(f.freed, id)
	return true
}

// Size returns the number of reusable addresses.
func (f *Freelist) Size() int {
	return len(f.freed)
}

// PendingSize returns the number of addresses waiting for a flush.
func (f *Freelist) PendingSize() int {
	return len(f.pending)
}
