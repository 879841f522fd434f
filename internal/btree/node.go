package btree

import (
	"slices"

	"github.com/alexhholmes/fsindex/internal/base"
)

// Node is a classical B-tree node: n keys with their values and, for
// internal nodes, n+1 children. Nodes handed out by the store are shared
// with readers; the tree clones a node before changing it.
type Node[K, V any] struct {
	addr     base.Address
	keys     []K
	values   []V
	children []base.Address // nil for leaves
}

func (n *Node[K, V]) Address() base.Address { return n.addr }

// IsLeaf reports whether n has no children.
func (n *Node[K, V]) IsLeaf() bool { return len(n.children) == 0 }

// Len returns the number of keys.
func (n *Node[K, V]) Len() int { return len(n.keys) }

func (n *Node[K, V]) clone() *Node[K, V] {
	return &Node[K, V]{
		addr:     n.addr,
		keys:     slices.Clone(n.keys),
		values:   slices.Clone(n.values),
		children: slices.Clone(n.children),
	}
}

// search returns the position of key, or where it would be inserted.
func (n *Node[K, V]) search(key K, cmp func(a, b K) int) (int, bool) {
	return slices.BinarySearchFunc(n.keys, key, cmp)
}

func (n *Node[K, V]) insertAt(i int, key K, value V) {
	n.keys = slices.Insert(n.keys, i, key)
	n.values = slices.Insert(n.values, i, value)
}

func (n *Node[K, V]) removeAt(i int) (K, V) {
	k, v := n.keys[i], n.values[i]
	n.keys = slices.Delete(n.keys, i, i+1)
	n.values = slices.Delete(n.values, i, i+1)
	return k, v
}

func (n *Node[K, V]) removeChild(i int) base.Address {
	addr := n.children[i]
	n.children = slices.Delete(n.children, i, i+1)
	return addr
}

// absorb appends the separator at key/value and all of right to n.
func (n *Node[K, V]) absorb(key K, value V, right *Node[K, V]) {
	n.keys = append(append(n.keys, key), right.keys...)
	n.values = append(append(n.values, value), right.values...)
	n.children = append(n.children, right.children...)
}
