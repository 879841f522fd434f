package btree

import (
	"fmt"
	"slices"

	"github.com/alexhholmes/fsindex/internal/base"
)

// Delete removes key and returns the value it held.
//
// The descent makes sure every node it enters below the root holds at least
// t keys, so removing one never needs to travel back up. The cases are
// numbered as in Cormen et al.:
//
//	1   key in leaf x: remove it
//	2a  key in internal x, child y before it has t keys: replace key by its
//	    predecessor and delete that from y
//	2b  likewise with the successor from child z after it
//	2c  both have t-1 keys: merge y, key and z, then delete from the merge
//	3a  key not in x, next child has t-1 keys: borrow through x from a
//	    sibling with t keys, the left one first
//	3b  no sibling can lend: merge with the left sibling, or the right one
//	    when there is no left
func (t *Tree[K, V]) Delete(key K) (V, bool, error) {
	var zero V
	if _, found, err := t.Find(key); err != nil || !found {
		return zero, false, err
	}
	t.mods.Add(1)

	root, err := t.io.ReadNode(t.root)
	if err != nil {
		return zero, false, err
	}
	x := root.clone()

	var old V
	captured := false
	for {
		i, found := x.search(key, t.cmp)
		if found && !captured {
			old, captured = x.values[i], true
		}

		switch {
		case found && x.IsLeaf():
			x.removeAt(i)
			return old, true, t.io.WriteNode(x)

		case found:
			if x, key, err = t.deleteInternal(x, i); err != nil {
				return zero, false, err
			}

		case x.IsLeaf():
			return zero, false, fmt.Errorf("%w: key vanished during delete", base.ErrCorruption)

		default:
			if x, err = t.descend(x, i); err != nil {
				return zero, false, err
			}
		}
	}
}

// deleteInternal handles case 2 for the key at index i of x. It returns the
// node to continue in and the key to delete from there.
func (t *Tree[K, V]) deleteInternal(x *Node[K, V], i int) (*Node[K, V], K, error) {
	key := x.keys[i]

	y, err := t.io.ReadNode(x.children[i])
	if err != nil {
		return nil, key, err
	}
	if y.Len() >= t.t {
		// 2a
		k, v, err := t.extreme(y, true)
		if err != nil {
			return nil, key, err
		}
		x.keys[i], x.values[i] = k, v
		return y.clone(), k, t.io.WriteNode(x)
	}

	z, err := t.io.ReadNode(x.children[i+1])
	if err != nil {
		return nil, key, err
	}
	if z.Len() >= t.t {
		// 2b
		k, v, err := t.extreme(z, false)
		if err != nil {
			return nil, key, err
		}
		x.keys[i], x.values[i] = k, v
		return z.clone(), k, t.io.WriteNode(x)
	}

	// 2c
	m := y.clone()
	k, v := x.removeAt(i)
	x.removeChild(i + 1)
	m.absorb(k, v, z)
	if err := t.io.DeleteNode(z); err != nil {
		return nil, key, err
	}
	t.stats.Merges++
	next, err := t.settle(x, m)
	return next, key, err
}

// extreme returns the largest (predecessor) or smallest (successor) entry of
// the subtree rooted at n.
func (t *Tree[K, V]) extreme(n *Node[K, V], largest bool) (K, V, error) {
	var err error
	for !n.IsLeaf() {
		child := n.children[0]
		if largest {
			child = n.children[len(n.children)-1]
		}
		if n, err = t.io.ReadNode(child); err != nil {
			var k K
			var v V
			return k, v, err
		}
	}
	if largest {
		return n.keys[n.Len()-1], n.values[n.Len()-1], nil
	}
	return n.keys[0], n.values[0], nil
}

// descend handles case 3: it returns child i of x, first topped up to at
// least t keys.
func (t *Tree[K, V]) descend(x *Node[K, V], i int) (*Node[K, V], error) {
	child, err := t.io.ReadNode(x.children[i])
	if err != nil {
		return nil, err
	}
	if child.Len() >= t.t {
		return child.clone(), nil
	}
	c := child.clone()

	var left, right *Node[K, V]
	if i > 0 {
		if left, err = t.io.ReadNode(x.children[i-1]); err != nil {
			return nil, err
		}
	}
	if i < len(x.children)-1 {
		if right, err = t.io.ReadNode(x.children[i+1]); err != nil {
			return nil, err
		}
	}

	switch {
	case left != nil && left.Len() >= t.t:
		// 3a: rotate the separator down into c and left's last key up.
		l := left.clone()
		k, v := l.removeAt(l.Len() - 1)
		c.insertAt(0, x.keys[i-1], x.values[i-1])
		x.keys[i-1], x.values[i-1] = k, v
		if !l.IsLeaf() {
			c.children = slices.Insert(c.children, 0, l.removeChild(len(l.children)-1))
		}
		return t.writeBorrow(x, l, c)

	case right != nil && right.Len() >= t.t:
		// 3a, mirrored.
		r := right.clone()
		k, v := r.removeAt(0)
		c.insertAt(c.Len(), x.keys[i], x.values[i])
		x.keys[i], x.values[i] = k, v
		if !r.IsLeaf() {
			c.children = append(c.children, r.removeChild(0))
		}
		return t.writeBorrow(x, r, c)

	case left != nil:
		// 3b
		m := left.clone()
		k, v := x.removeAt(i - 1)
		x.removeChild(i)
		m.absorb(k, v, c)
		if err := t.io.DeleteNode(c); err != nil {
			return nil, err
		}
		t.stats.Merges++
		return t.settle(x, m)

	case right != nil:
		// 3b
		k, v := x.removeAt(i)
		x.removeChild(i + 1)
		c.absorb(k, v, right)
		if err := t.io.DeleteNode(right); err != nil {
			return nil, err
		}
		t.stats.Merges++
		return t.settle(x, c)
	}
	return nil, fmt.Errorf("%w: node %s has a single child", base.ErrCorruption, x.addr)
}

func (t *Tree[K, V]) writeBorrow(x, sibling, c *Node[K, V]) (*Node[K, V], error) {
	for _, n := range []*Node[K, V]{sibling, c, x} {
		if err := t.io.WriteNode(n); err != nil {
			return nil, err
		}
	}
	t.stats.Borrows++
	return c.clone(), nil
}

// settle writes the result of a merge below x, and x itself. A root left
// without keys takes over the merged node's content, shrinking the tree by
// one level. It returns the node to continue in.
func (t *Tree[K, V]) settle(x, merged *Node[K, V]) (*Node[K, V], error) {
	if x.addr == t.root && x.Len() == 0 {
		shrunk := merged.clone()
		shrunk.addr = t.root
		if err := t.io.WriteNode(shrunk); err != nil {
			return nil, err
		}
		if err := t.io.DeleteNode(merged); err != nil {
			return nil, err
		}
		t.stats.RootShrinks++
		t.log.Info("tree height shrank", "root", t.root)
		return shrunk.clone(), nil
	}

	if err := t.io.WriteNode(merged); err != nil {
		return nil, err
	}
	if err := t.io.WriteNode(x); err != nil {
		return nil, err
	}
	return merged.clone(), nil
}
