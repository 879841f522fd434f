package blink

import (
	"fmt"

	"github.com/alexhholmes/fsindex/internal/base"
)

// outcome tells the parent level what happened to one of its children.
type outcome uint8

const (
	// leafDeleteOK: the child stayed at or above minimum occupancy.
	leafDeleteOK outcome = iota
	// underflow: the child borrowed entries from a sibling.
	underflow
	// merge: the child and a sibling became one node.
	merge
)

func (o outcome) String() string {
	switch o {
	case leafDeleteOK:
		return "ok"
	case underflow:
		return "underflow"
	case merge:
		return "merge"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// anchorChange is a high key that shrank because its key was deleted. The
// separator that names the old high key in some ancestor has to follow.
type anchorChange[K any] struct {
	from, to K
}

// deleteResult is what rebalance reports for one level.
type deleteResult[K any] struct {
	outcome outcome
	anchor  *anchorChange[K] // still to be applied further up
}

// Delete removes key and returns the value it held.
func (t *Tree[K, V]) Delete(key K) (V, bool, error) {
	t.restructure.RLock()
	old, found, done, err := t.deleteInPlace(key)
	t.restructure.RUnlock()
	if err != nil || done {
		return old, found, err
	}

	t.restructure.Lock()
	defer t.restructure.Unlock()
	return t.deleteRebalancing(key)
}

// deleteInPlace removes key from its leaf when that leaves the leaf at or
// above minimum occupancy and does not remove its high key. done is false
// when the delete needs rebalancing.
func (t *Tree[K, V]) deleteInPlace(key K) (old V, found, done bool, err error) {
	leaf, err := t.lockLeaf(key, nil)
	if err != nil {
		return old, false, false, err
	}
	defer t.locks.Unlock(leaf.addr)

	old, found = leaf.entries.Get(key)
	if !found {
		return old, false, true, nil
	}

	isHigh := leaf.hasHigh && t.cmp(key, leaf.high) == 0
	if leaf.addr != t.root && (leaf.Len()-1 < t.leafMin || isHigh) {
		var zero V
		return zero, false, false, nil
	}
	return old, true, true, t.io.WriteNode(leaf.withEntries(leaf.entries.Delete(key)))
}

// deleteRebalancing removes key while holding the restructure lock
// exclusively, so no other operation runs and no node locks are needed. The
// rebalancing runs bottom-up along the recorded root-to-leaf path.
func (t *Tree[K, V]) deleteRebalancing(key K) (V, bool, error) {
	var zero V

	var path []*Node[K, V]
	n, err := t.read(t.root)
	for err == nil && !n.leaf {
		path = append(path, n)
		n, err = t.read(n.child(key))
	}
	if err != nil {
		return zero, false, err
	}

	old, ok := n.entries.Get(key)
	if !ok {
		return zero, false, nil
	}
	t.epoch.Add(1)

	child := n.withEntries(n.entries.Delete(key))
	var anchor *anchorChange[K]
	if child.hasHigh && t.cmp(key, child.high) == 0 {
		high, _, _ := child.entries.Max()
		anchor = &anchorChange[K]{from: key, to: high}
		child = child.withHigh(high)
	}

	for i := len(path) - 1; i >= 0; i-- {
		parent, res, err := t.rebalance(path[i], child, key, anchor)
		if err != nil {
			return zero, false, err
		}
		t.stats.record(res.outcome)
		if parent == path[i] {
			// Nothing changed above this level.
			return old, true, nil
		}
		anchor = res.anchor
		child = parent
	}
	return old, true, t.writeRoot(child)
}

// rebalance settles child, a modified node whose entry in parent is found
// through key. It writes child and any sibling it touches, and returns the
// parent as it must become, without writing it. The returned parent is the
// unchanged input when no separator moved.
func (t *Tree[K, V]) rebalance(parent, child *Node[K, V], key K, anchor *anchorChange[K]) (*Node[K, V], deleteResult[K], error) {
	var res deleteResult[K]

	sep, addr, ok := parent.children.Ceiling(Separator[K]{Key: key})
	if !ok || addr != child.addr {
		return nil, res, fmt.Errorf("%w: parent %s does not route to %s", base.ErrCorruption, parent.addr, child.addr)
	}

	if child.Len() >= t.minEntries(child) {
		if err := t.io.WriteNode(child); err != nil {
			return nil, res, err
		}
		p, rest := t.changeAnchorKey(parent, sep, child.addr, anchor)
		res.outcome, res.anchor = leafDeleteOK, rest
		return p, res, nil
	}

	// Pick a sibling under the same parent, preferring the right one.
	var left, right *Node[K, V]
	var leftSep, rightSep Separator[K]
	if nextSep, nextAddr, ok := parent.children.Higher(sep); ok {
		sibling, err := t.read(nextAddr)
		if err != nil {
			return nil, res, err
		}
		left, right, leftSep, rightSep = child, sibling, sep, nextSep
	} else {
		prevSep, prevAddr, ok := parent.children.Lower(sep)
		if !ok {
			return nil, res, fmt.Errorf("%w: node %s has a single child", base.ErrCorruption, parent.addr)
		}
		sibling, err := t.read(prevAddr)
		if err != nil {
			return nil, res, err
		}
		left, right, leftSep, rightSep = sibling, child, prevSep, sep
	}
	if left.right != right.addr {
		return nil, res, fmt.Errorf("%w: siblings %s and %s are not linked", base.ErrCorruption, left.addr, right.addr)
	}

	if left.Len()+right.Len() >= 2*t.minEntries(child) {
		l, r := left.redistribute(right)
		if err := t.io.WriteNode(r); err != nil {
			return nil, res, err
		}
		if err := t.io.WriteNode(l); err != nil {
			return nil, res, err
		}

		children := parent.children.Delete(leftSep).Put(Separator[K]{Key: l.high}, l.addr)
		p := parent.withChildren(children)
		res.outcome = underflow
		if child == right {
			p, res.anchor = t.changeAnchorKey(p, rightSep, right.addr, anchor)
		}
		return p, res, nil
	}

	m := left.merge(right)
	if err := t.io.WriteNode(m); err != nil {
		return nil, res, err
	}
	if err := t.io.DeleteNode(right); err != nil {
		return nil, res, err
	}
	t.locks.Forget(right.addr)

	children := parent.children.Delete(leftSep).Put(rightSep, left.addr)
	p := parent.withChildren(children)
	res.outcome = merge
	if child == right {
		p, res.anchor = t.changeAnchorKey(p, rightSep, left.addr, anchor)
	}
	return p, res, nil
}

// changeAnchorKey moves the separator naming a shrunken high key. A finite
// separator is replaced in place. The Inf entry has no key of its own: the
// child's bound is the parent's high key, which then shrinks as well and
// the change is handed on to the next level.
func (t *Tree[K, V]) changeAnchorKey(parent *Node[K, V], sep Separator[K], addr base.Address, anchor *anchorChange[K]) (*Node[K, V], *anchorChange[K]) {
	if anchor == nil {
		return parent, nil
	}
	if !sep.Inf {
		children := parent.children.Delete(sep).Put(Separator[K]{Key: anchor.to}, addr)
		return parent.withChildren(children), nil
	}
	if !parent.hasHigh {
		return parent, nil
	}
	return parent.withHigh(anchor.to), anchor
}

// writeRoot writes the root at the end of a rebalancing delete. A root left
// with a single child takes over that child's content and the tree loses a
// level.
func (t *Tree[K, V]) writeRoot(root *Node[K, V]) error {
	if root.leaf || root.Len() > 1 {
		return t.io.WriteNode(root)
	}

	_, only, _ := root.children.Min()
	child, err := t.read(only)
	if err != nil {
		return err
	}

	shrunk := child.clone()
	shrunk.addr = t.root
	shrunk.hasHigh, shrunk.right = false, base.Unallocated
	if err := t.io.WriteNode(shrunk); err != nil {
		return err
	}
	if err := t.io.DeleteNode(child); err != nil {
		return err
	}
	t.locks.Forget(child.addr)

	t.stats.shrinks.Add(1)
	t.log.Info("tree height shrank", "levels", shrunk.Level()+1)
	return nil
}
