// Package nodeio stores tree nodes by address.
//
// Two stores implement NodeIO: MemStore keeps nodes in a map and is used by
// tests and ephemeral indexes; DiskStore keeps them in a page file with a
// write-ahead journal and a bounded cache in front.
package nodeio

import "github.com/alexhholmes/fsindex/internal/base"

// Node is implemented by every node type a store can hold. Stores never
// modify a node; engines treat nodes handed to WriteNode as frozen.
type Node interface {
	Address() base.Address
}

// NodeIO is the storage substrate shared by the tree engines. All methods
// are safe for concurrent use.
type NodeIO[N Node] interface {
	// AllocateAddress reserves a fresh address. Reading it fails with
	// base.ErrNotFound until a node is written there.
	AllocateAddress() (base.Address, error)

	// ReadNode returns the node at addr, or base.ErrNotFound if it was
	// deleted, never written, or only allocated.
	ReadNode(addr base.Address) (N, error)

	// WriteNode stores n at n.Address(), replacing any previous node.
	WriteNode(n N) error

	// DeleteNode retires the node at n.Address(). The address becomes
	// reusable after the next flush.
	DeleteNode(n N) error

	// FlushPendingModifications makes every buffered write and delete
	// durable in the backing store. Callers must not write nodes
	// concurrently with a flush.
	FlushPendingModifications() error

	// WriteJournal makes every buffered write and delete durable in the
	// journal without touching the backing store.
	WriteJournal() error

	// RootNodeAddress returns the fixed address of the root node.
	RootNodeAddress() base.Address
}

// Codec translates nodes to and from page bodies (see base.Body).
type Codec[N Node] interface {
	Encode(n N, body []byte) error
	Decode(addr base.Address, body []byte) (N, error)

	// MinPageSize is the smallest page able to hold a node of minimum
	// arity.
	MinPageSize() int
}
