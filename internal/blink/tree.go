// Package blink implements a concurrent B-link tree (Lehman and Yao) over a
// node store.
//
// Every node carries a high key and a link to its right neighbour. A reader
// that lands on a node whose high key is below its search key, because the
// node split after the reader left the parent, follows the right link
// instead of restarting from the root. Readers therefore take no locks at
// all. Writers lock one node at a time on the way up, plus the freshly split
// sibling until its separator reaches the parent.
//
// Deletes that leave nodes at or above minimum occupancy run concurrently
// with everything else. Deletes that have to redistribute or merge nodes run
// under an exclusive tree-wide lock.
package blink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/lockmgr"
	"github.com/alexhholmes/fsindex/internal/nodeio"
	"github.com/alexhholmes/fsindex/internal/pmap"
)

// Config sets the node capacities of a tree.
type Config struct {
	LeafArity     int // maximum keys per leaf
	InternalArity int // maximum children per internal node
	Logger        base.Logger
}

// Tree is a B-link tree. All methods are safe for concurrent use.
type Tree[K, V any] struct {
	io     nodeio.NodeIO[*Node[K, V]]
	locks  *lockmgr.Manager
	kv     codec.KeyValue[K, V]
	cmp    func(a, b K) int
	sepCmp func(a, b Separator[K]) int
	root   base.Address
	log    base.Logger

	leafMax, leafMin         int
	internalMax, internalMin int

	// restructure is held shared by every operation except the rebalancing
	// delete, which holds it exclusively while it merges and retires nodes.
	restructure sync.RWMutex

	// epoch counts rebalancing deletes. Iterators re-seek from the root
	// when it moved since they buffered their current leaf.
	epoch atomic.Uint64

	stats treeStats
}

type treeStats struct {
	splits          atomic.Uint64
	grows           atomic.Uint64
	redistributions atomic.Uint64
	merges          atomic.Uint64
	shrinks         atomic.Uint64
}

func (s *treeStats) record(o outcome) {
	switch o {
	case underflow:
		s.redistributions.Add(1)
	case merge:
		s.merges.Add(1)
	}
}

// Stats counts structural changes since the tree was opened.
type Stats struct {
	Splits          uint64 // nodes split, root splits included
	RootGrowths     uint64
	Redistributions uint64
	Merges          uint64
	RootShrinks     uint64
}

// Stats returns structural change counters.
func (t *Tree[K, V]) Stats() Stats {
	return Stats{
		Splits:          t.stats.splits.Load(),
		RootGrowths:     t.stats.grows.Load(),
		Redistributions: t.stats.redistributions.Load(),
		Merges:          t.stats.merges.Load(),
		RootShrinks:     t.stats.shrinks.Load(),
	}
}

// New opens the tree held by store, writing an empty root leaf if the store
// holds no root yet.
func New[K, V any](store nodeio.NodeIO[*Node[K, V]], kv codec.KeyValue[K, V], cfg Config) (*Tree[K, V], error) {
	if err := kv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrInvalidConfiguration, err)
	}
	if cfg.LeafArity < MinArity || cfg.InternalArity < MinArity {
		return nil, fmt.Errorf("%w: arity leaf=%d internal=%d, minimum %d",
			base.ErrInvalidConfiguration, cfg.LeafArity, cfg.InternalArity, MinArity)
	}
	if cfg.Logger == nil {
		cfg.Logger = base.DiscardLogger{}
	}

	t := &Tree[K, V]{
		io:          store,
		locks:       lockmgr.New(),
		kv:          kv,
		cmp:         kv.Compare,
		sepCmp:      separatorCompare(kv.Compare),
		root:        store.RootNodeAddress(),
		log:         cfg.Logger,
		leafMax:     cfg.LeafArity,
		leafMin:     (cfg.LeafArity + 1) / 2,
		internalMax: cfg.InternalArity,
		internalMin: (cfg.InternalArity + 1) / 2,
	}

	_, err := store.ReadNode(t.root)
	switch {
	case errors.Is(err, base.ErrNotFound):
		if err := store.WriteNode(t.newLeaf(t.root)); err != nil {
			return nil, fmt.Errorf("create root: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read root: %w", err)
	}
	return t, nil
}

func (t *Tree[K, V]) newLeaf(addr base.Address) *Node[K, V] {
	return &Node[K, V]{addr: addr, leaf: true, entries: pmap.New[K, V](t.cmp)}
}

func (t *Tree[K, V]) newInternal(addr base.Address, level uint8) *Node[K, V] {
	return &Node[K, V]{addr: addr, level: level, children: pmap.New[Separator[K], base.Address](t.sepCmp)}
}

func (t *Tree[K, V]) read(addr base.Address) (*Node[K, V], error) {
	return t.io.ReadNode(addr)
}

func (t *Tree[K, V]) minEntries(n *Node[K, V]) int {
	if n.leaf {
		return t.leafMin
	}
	return t.internalMin
}

// Find returns the value stored under key.
func (t *Tree[K, V]) Find(key K) (V, bool, error) {
	t.restructure.RLock()
	defer t.restructure.RUnlock()

	leaf, err := t.findLeaf(key, nil)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := leaf.entries.Get(key)
	return v, ok, nil
}

// findLeaf descends from the root to the leaf covering key without taking
// node locks. When stack is non-nil, the internal node used at each level is
// pushed onto it, root first.
func (t *Tree[K, V]) findLeaf(key K, stack *[]*Node[K, V]) (*Node[K, V], error) {
	n, err := t.read(t.root)
	for err == nil {
		if n, err = t.moveRight(key, n); err != nil {
			break
		}
		if n.leaf {
			return n, nil
		}
		if stack != nil {
			*stack = append(*stack, n)
		}
		n, err = t.read(n.child(key))
	}
	return nil, err
}

// moveRight follows right links from n until it reaches the node covering
// key.
func (t *Tree[K, V]) moveRight(key K, n *Node[K, V]) (*Node[K, V], error) {
	for !n.covers(key, t.cmp) {
		next, err := t.read(n.right)
		if err != nil {
			return nil, fmt.Errorf("move right from %s: %w", n.addr, err)
		}
		n = next
	}
	return n, nil
}

// lockedMoveRight is moveRight for a writer holding the lock of n. The right
// neighbour is locked before n is released. On success only the returned
// node is locked; on error nothing is.
func (t *Tree[K, V]) lockedMoveRight(key K, n *Node[K, V]) (*Node[K, V], error) {
	for !n.covers(key, t.cmp) {
		right := n.right
		t.locks.Lock(right)
		t.locks.Unlock(n.addr)

		next, err := t.read(right)
		if err != nil {
			t.locks.Unlock(right)
			return nil, fmt.Errorf("move right from %s: %w", n.addr, err)
		}
		n = next
	}
	return n, nil
}

// lockLeaf finds the leaf covering key and locks it. The descent records
// the ancestors on stack when it is non-nil.
func (t *Tree[K, V]) lockLeaf(key K, stack *[]*Node[K, V]) (*Node[K, V], error) {
	for {
		if stack != nil {
			*stack = (*stack)[:0]
		}
		snap, err := t.findLeaf(key, stack)
		if err != nil {
			return nil, err
		}

		t.locks.Lock(snap.addr)
		leaf, err := t.read(snap.addr)
		if err != nil {
			t.locks.Unlock(snap.addr)
			return nil, err
		}
		if !leaf.leaf {
			// The root leaf split since the descent; start over.
			t.locks.Unlock(snap.addr)
			continue
		}
		return t.lockedMoveRight(key, leaf)
	}
}

// checkEncodable rejects keys and values the codecs cannot store before
// any node is touched.
func (t *Tree[K, V]) checkEncodable(key K, value V) error {
	buf := make([]byte, max(t.kv.KeySize(), t.kv.ValueSize()))
	if err := t.kv.Keys.Encode(buf[:t.kv.KeySize()], key); err != nil {
		return err
	}
	return t.kv.Values.Encode(buf[:t.kv.ValueSize()], value)
}

// Insert stores value under key and returns the value it replaced.
func (t *Tree[K, V]) Insert(key K, value V) (old V, replaced bool, err error) {
	return t.insert(key, value, true)
}

// InsertIfAbsent stores value under key unless key is present, and returns
// the value held under key afterwards.
func (t *Tree[K, V]) InsertIfAbsent(key K, value V) (V, error) {
	existing, found, err := t.insert(key, value, false)
	if found {
		return existing, err
	}
	return value, err
}

func (t *Tree[K, V]) insert(key K, value V, replace bool) (V, bool, error) {
	var zero V
	if err := t.checkEncodable(key, value); err != nil {
		return zero, false, err
	}

	t.restructure.RLock()
	defer t.restructure.RUnlock()

	var stack []*Node[K, V]
	leaf, err := t.lockLeaf(key, &stack)
	if err != nil {
		return zero, false, err
	}

	if old, ok := leaf.entries.Get(key); ok {
		if replace {
			err = t.io.WriteNode(leaf.withEntries(leaf.entries.Put(key, value)))
		}
		t.locks.Unlock(leaf.addr)
		return old, true, err
	}

	grown := leaf.withEntries(leaf.entries.Put(key, value))
	if grown.Len() <= t.leafMax {
		err = t.io.WriteNode(grown)
		t.locks.Unlock(leaf.addr)
		return zero, false, err
	}
	return zero, false, t.split(grown, stack)
}

// split writes the overfull node n, locked by the caller, as two nodes and
// posts the new separator to the parent level, climbing for as long as
// parents overflow. Every lock held on entry or taken here is released
// before split returns.
func (t *Tree[K, V]) split(n *Node[K, V], stack []*Node[K, V]) error {
	held := []base.Address{n.addr}
	defer func() {
		for _, addr := range held {
			t.locks.Unlock(addr)
		}
	}()

	for {
		t.stats.splits.Add(1)
		if n.addr == t.root {
			return t.growRoot(n)
		}

		addr, err := t.io.AllocateAddress()
		if err != nil {
			return err
		}
		t.locks.Lock(addr)

		// The new node is written first: until the old one links to it,
		// nothing can reach it.
		lower, upper := n.split(addr)
		if err := t.io.WriteNode(upper); err != nil {
			t.locks.Unlock(addr)
			return err
		}
		if err := t.io.WriteNode(lower); err != nil {
			t.locks.Unlock(addr)
			return err
		}

		// The pair from the level below is now reachable through lower or
		// upper and can be released.
		for _, a := range held {
			if a != n.addr {
				t.locks.Unlock(a)
			}
		}
		held = append(held[:0], n.addr, addr)

		parent, err := t.lockParent(n.level+1, lower.high, &stack)
		if err != nil {
			return err
		}
		held = append(held, parent.addr)

		children, err := t.postSplit(parent, lower, upper)
		if err != nil {
			return err
		}
		grown := parent.withChildren(children)
		if grown.Len() <= t.internalMax {
			return t.io.WriteNode(grown)
		}

		// The parent overflows in turn. Keep the pair below locked until the
		// parent's halves are written.
		held = held[:len(held)-1]
		held = append([]base.Address{parent.addr}, held...)
		n = grown
	}
}

// postSplit returns the children of parent with the separator for upper
// added: the entry that pointed to the node before it split now points to
// upper, and lower is filed under its new high key.
func (t *Tree[K, V]) postSplit(parent, lower, upper *Node[K, V]) (pmap.Map[Separator[K], base.Address], error) {
	sep := Separator[K]{Key: lower.high}
	old, child, ok := parent.children.Ceiling(sep)
	if !ok || child != lower.addr {
		return parent.children, fmt.Errorf("%w: parent %s does not route to split node %s",
			base.ErrCorruption, parent.addr, lower.addr)
	}
	return parent.children.Put(old, upper.addr).Put(sep, lower.addr), nil
}

// growRoot splits an overfull root. Both halves move to fresh addresses and
// the root address becomes their parent, one level higher.
func (t *Tree[K, V]) growRoot(n *Node[K, V]) error {
	a, err := t.io.AllocateAddress()
	if err != nil {
		return err
	}
	b, err := t.io.AllocateAddress()
	if err != nil {
		return err
	}

	moved := n.clone()
	moved.addr = a
	lower, upper := moved.split(b)

	root := t.newInternal(t.root, n.level+1)
	root.children = root.children.
		Put(Separator[K]{Key: lower.high}, a).
		Put(Separator[K]{Inf: true}, b)

	for _, node := range []*Node[K, V]{upper, lower, root} {
		if err := t.io.WriteNode(node); err != nil {
			return err
		}
	}
	t.stats.grows.Add(1)
	t.log.Info("tree height grew", "levels", root.level+1)
	return nil
}

// lockParent locks the node at level that covers key, using the ancestor
// stack recorded by the descent. When the stack runs dry or no longer
// matches the tree, because the root grew in the meantime, it is refilled
// by a fresh descent.
func (t *Tree[K, V]) lockParent(level uint8, key K, stack *[]*Node[K, V]) (*Node[K, V], error) {
	for {
		if len(*stack) == 0 {
			s, err := t.refill(level, key)
			if err != nil {
				return nil, err
			}
			*stack = s
		}

		snap := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]

		t.locks.Lock(snap.addr)
		p, err := t.read(snap.addr)
		if err != nil {
			t.locks.Unlock(snap.addr)
			return nil, err
		}
		if p.leaf || p.level != level {
			t.locks.Unlock(snap.addr)
			*stack = (*stack)[:0]
			continue
		}
		return t.lockedMoveRight(key, p)
	}
}

// refill descends from the root without locks and returns the nodes used
// on the way, root first, down to the node at level covering key.
func (t *Tree[K, V]) refill(level uint8, key K) ([]*Node[K, V], error) {
	var stack []*Node[K, V]

	n, err := t.read(t.root)
	for err == nil {
		if n, err = t.moveRight(key, n); err != nil {
			break
		}
		if n.leaf || n.level < level {
			return nil, fmt.Errorf("%w: no level %d above key", base.ErrCorruption, level)
		}
		stack = append(stack, n)
		if n.level == level {
			return stack, nil
		}
		n, err = t.read(n.child(key))
	}
	return nil, err
}

// Height returns the number of levels.
func (t *Tree[K, V]) Height() (int, error) {
	t.restructure.RLock()
	defer t.restructure.RUnlock()

	root, err := t.read(t.root)
	if err != nil {
		return 0, err
	}
	return root.Level() + 1, nil
}
