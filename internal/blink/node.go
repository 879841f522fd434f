package blink

import (
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/pmap"
)

// Separator is the key of an internal node entry. The entry with Inf set
// sorts after every key and is always the last one of its node.
type Separator[K any] struct {
	Key K
	Inf bool
}

func separatorCompare[K any](cmp func(a, b K) int) func(a, b Separator[K]) int {
	return func(a, b Separator[K]) int {
		switch {
		case a.Inf && b.Inf:
			return 0
		case a.Inf:
			return 1
		case b.Inf:
			return -1
		}
		return cmp(a.Key, b.Key)
	}
}

// Node is an immutable B-link tree node. Every change produces a new Node;
// a node handed out by the store is never modified, which is what lets
// readers work without locks.
//
// The high key is an inclusive upper bound: every key in the node's subtree
// is <= high. The rightmost node of each level has no high key and no right
// link.
type Node[K, V any] struct {
	addr    base.Address
	leaf    bool
	level   uint8 // 0 for leaves
	high    K
	hasHigh bool
	right   base.Address

	entries  pmap.Map[K, V]                       // leaves only
	children pmap.Map[Separator[K], base.Address] // internal nodes only
}

func (n *Node[K, V]) Address() base.Address { return n.addr }

// IsLeaf reports whether n holds key/value entries.
func (n *Node[K, V]) IsLeaf() bool { return n.leaf }

// Level is the distance to the leaf level.
func (n *Node[K, V]) Level() int { return int(n.level) }

// HighKey returns the inclusive upper bound of n, if it has one.
func (n *Node[K, V]) HighKey() (K, bool) { return n.high, n.hasHigh }

// RightLink returns the address of the next node on the same level.
func (n *Node[K, V]) RightLink() base.Address { return n.right }

// Len returns the number of entries: keys for leaves, children otherwise.
func (n *Node[K, V]) Len() int {
	if n.leaf {
		return n.entries.Len()
	}
	return n.children.Len()
}

func (n *Node[K, V]) clone() *Node[K, V] {
	c := *n
	return &c
}

func (n *Node[K, V]) withEntries(entries pmap.Map[K, V]) *Node[K, V] {
	c := n.clone()
	c.entries = entries
	return c
}

func (n *Node[K, V]) withChildren(children pmap.Map[Separator[K], base.Address]) *Node[K, V] {
	c := n.clone()
	c.children = children
	return c
}

func (n *Node[K, V]) withHigh(high K) *Node[K, V] {
	c := n.clone()
	c.high, c.hasHigh = high, true
	return c
}

// covers reports whether key falls at or below the high key of n.
func (n *Node[K, V]) covers(key K, cmp func(a, b K) int) bool {
	return !n.hasHigh || cmp(key, n.high) <= 0
}

// child returns the child responsible for key: the one under the least
// separator >= key. The Inf entry guarantees there always is one.
func (n *Node[K, V]) child(key K) base.Address {
	_, addr, _ := n.children.Ceiling(Separator[K]{Key: key})
	return addr
}

// splitAt keeps the first count entries at n's address and moves the rest to
// a node at addr, which takes over n's high key and right link.
func (n *Node[K, V]) splitAt(count int, addr base.Address) (lower, upper *Node[K, V]) {
	lower, upper = n.clone(), n.clone()
	upper.addr = addr

	if n.leaf {
		lower.entries, upper.entries = n.entries.Split(count)
		lower.high, _, _ = lower.entries.Max()
	} else {
		lo, hi := n.children.Split(count)
		last, child, _ := lo.Max()
		lower.children = lo.Delete(last).Put(Separator[K]{Inf: true}, child)
		upper.children = hi
		lower.high = last.Key
	}
	lower.hasHigh = true
	lower.right = addr
	return lower, upper
}

// split halves an overfull node; the lower half gets the extra entry.
func (n *Node[K, V]) split(addr base.Address) (lower, upper *Node[K, V]) {
	return n.splitAt((n.Len()+1)/2, addr)
}

// merge absorbs right, the next node on the same level, into n.
func (n *Node[K, V]) merge(right *Node[K, V]) *Node[K, V] {
	m := n.clone()
	if n.leaf {
		m.entries = n.entries.Union(right.entries)
	} else {
		// n's last child is no longer last: bound it by n's old high key.
		_, last, _ := n.children.Max()
		bounded := n.children.Delete(Separator[K]{Inf: true}).Put(Separator[K]{Key: n.high}, last)
		m.children = bounded.Union(right.children)
	}
	m.high, m.hasHigh, m.right = right.high, right.hasHigh, right.right
	return m
}

// redistribute evens out the entries of n and right, its next node on the
// same level. Both keep their addresses.
func (n *Node[K, V]) redistribute(right *Node[K, V]) (*Node[K, V], *Node[K, V]) {
	m := n.merge(right)
	return m.splitAt((m.Len()+1)/2, right.addr)
}
