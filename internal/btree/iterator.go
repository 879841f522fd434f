package btree

import "github.com/alexhholmes/fsindex/internal/base"

type frame[K, V any] struct {
	n *Node[K, V]
	// In a leaf, the next key to return. In an internal node, the child the
	// iterator is in; key i follows once that child is exhausted.
	i int
}

// Iterator walks the tree in key order with an explicit stack of nodes from
// the root down. Any insert or delete after the iterator was created ends
// the iteration with ErrModified.
type Iterator[K, V any] struct {
	t     *Tree[K, V]
	stack []frame[K, V]
	mods  uint64

	from    K
	hasFrom bool
	started bool

	key   K
	value V
	err   error
}

// Iterator returns an iterator positioned before the smallest key.
func (t *Tree[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{t: t, mods: t.mods.Load()}
}

// IterateFrom returns an iterator positioned before the smallest key >= key.
func (t *Tree[K, V]) IterateFrom(key K) *Iterator[K, V] {
	return &Iterator[K, V]{t: t, mods: t.mods.Load(), from: key, hasFrom: true}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.t.mods.Load() != it.mods {
		it.err = ErrModified
		return false
	}
	if !it.started {
		it.started = true
		if it.err = it.seek(); it.err != nil {
			return false
		}
	}

	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		if f.i < f.n.Len() {
			it.key, it.value = f.n.keys[f.i], f.n.values[f.i]
			f.i++
			if !f.n.IsLeaf() {
				it.err = it.pushLeftmost(f.n.children[f.i])
			}
			return it.err == nil
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	return false
}

// seek builds the stack down to the first key >= from, or the smallest key.
func (it *Iterator[K, V]) seek() error {
	if !it.hasFrom {
		return it.pushLeftmost(it.t.root)
	}

	n, err := it.t.io.ReadNode(it.t.root)
	for err == nil {
		i, found := n.search(it.from, it.t.cmp)
		it.stack = append(it.stack, frame[K, V]{n: n, i: i})
		if found || n.IsLeaf() {
			// An internal frame at i with key i found reads as "child i
			// done", so key i comes next.
			return nil
		}
		n, err = it.t.io.ReadNode(n.children[i])
	}
	return err
}

func (it *Iterator[K, V]) pushLeftmost(addr base.Address) error {
	for {
		n, err := it.t.io.ReadNode(addr)
		if err != nil {
			return err
		}
		it.stack = append(it.stack, frame[K, V]{n: n})
		if n.IsLeaf() {
			return nil
		}
		addr = n.children[0]
	}
}

// Key returns the key of the current entry.
func (it *Iterator[K, V]) Key() K { return it.key }

// Value returns the value of the current entry.
func (it *Iterator[K, V]) Value() V { return it.value }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator[K, V]) Err() error { return it.err }
