package blink

import (
	"errors"

	"github.com/alexhholmes/fsindex/internal/base"
)

// Iterator walks the leaf level in key order, one leaf at a time. It buffers
// the entries of the current leaf and holds no locks between calls, so
// writers are never blocked by an open iterator.
//
// A key inserted or deleted behind the iterator's position is not seen; one
// ahead of it is seen once the iterator reaches its leaf. Every key present
// for the whole iteration is returned exactly once.
type Iterator[K, V any] struct {
	t *Tree[K, V]

	keys   []K
	values []V
	pos    int

	addr  base.Address // leaf the buffer came from
	epoch uint64       // tree epoch when the buffer was filled

	from    K
	hasFrom bool
	last    K
	hasLast bool

	key   K
	value V
	done  bool
	err   error
}

// Iterator returns an iterator positioned before the smallest key.
func (t *Tree[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{t: t}
}

// IterateFrom returns an iterator positioned before the smallest key >= key.
func (t *Tree[K, V]) IterateFrom(key K) *Iterator[K, V] {
	return &Iterator[K, V]{t: t, from: key, hasFrom: true}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos == len(it.keys) {
		if it.done {
			return false
		}
		if it.err = it.fill(); it.err != nil || len(it.keys) == 0 {
			return false
		}
	}
	it.key, it.value = it.keys[it.pos], it.values[it.pos]
	it.last, it.hasLast = it.key, true
	it.pos++
	return true
}

// Key returns the key of the current entry.
func (it *Iterator[K, V]) Key() K { return it.key }

// Value returns the value of the current entry.
func (it *Iterator[K, V]) Value() V { return it.value }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator[K, V]) Err() error { return it.err }

// fill buffers the entries following the last returned key, reading leaves
// to the right until it finds one or runs off the end of the level.
func (it *Iterator[K, V]) fill() error {
	t := it.t
	t.restructure.RLock()
	defer t.restructure.RUnlock()

	it.keys, it.values, it.pos = it.keys[:0], it.values[:0], 0

	leaf, err := it.position()
	for err == nil {
		it.collect(leaf)
		it.addr = leaf.addr
		if len(it.keys) > 0 {
			break
		}
		if leaf.right == base.Unallocated {
			it.done = true
			break
		}
		leaf, err = t.read(leaf.right)
	}
	it.epoch = t.epoch.Load()
	return err
}

// position returns the leaf to resume from.
func (it *Iterator[K, V]) position() (*Node[K, V], error) {
	t := it.t
	switch {
	case !it.hasLast && it.hasFrom:
		return t.findLeaf(it.from, nil)
	case !it.hasLast:
		return t.leftmostLeaf()
	case it.epoch != t.epoch.Load():
		// Nodes may have been merged away since the last fill.
		return t.findLeaf(it.last, nil)
	}

	// Without merges the old leaf still exists and splits only move keys to
	// the right of it.
	leaf, err := t.read(it.addr)
	if err == nil && leaf.leaf {
		return t.moveRight(it.last, leaf)
	}
	if err == nil || errors.Is(err, base.ErrNotFound) {
		// The leaf was the root and the tree grew.
		return t.findLeaf(it.last, nil)
	}
	return nil, err
}

func (it *Iterator[K, V]) collect(leaf *Node[K, V]) {
	appendEntry := func(k K, v V) bool {
		if it.hasLast && it.t.cmp(k, it.last) <= 0 {
			return true
		}
		it.keys = append(it.keys, k)
		it.values = append(it.values, v)
		return true
	}
	switch {
	case it.hasLast:
		leaf.entries.AscendFrom(it.last, appendEntry)
	case it.hasFrom:
		leaf.entries.AscendFrom(it.from, appendEntry)
	default:
		leaf.entries.Ascend(appendEntry)
	}
}

// leftmostLeaf follows the first child of every level down from the root.
func (t *Tree[K, V]) leftmostLeaf() (*Node[K, V], error) {
	n, err := t.read(t.root)
	for err == nil && !n.leaf {
		_, first, _ := n.children.Min()
		n, err = t.read(first)
	}
	return n, err
}
