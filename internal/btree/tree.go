// Package btree implements the classical B-tree of Cormen et al. over a node
// store: pre-emptive splits on the way down for inserts, and on the way down
// rebalancing for deletes.
//
// A Tree has no internal locking. Callers guarantee a single writer; reads
// may run concurrently with each other but not with a writer.
package btree

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/nodeio"
)

// ErrModified is returned by an iterator whose tree changed after the
// iterator was created.
var ErrModified = errors.New("tree modified during iteration")

// Config sets the node capacity of a tree.
type Config struct {
	Arity  int // maximum children per node
	Logger base.Logger
}

// Tree is a classical B-tree with minimum degree t: every node but the root
// holds between t-1 and 2t-1 keys.
type Tree[K, V any] struct {
	io   nodeio.NodeIO[*Node[K, V]]
	kv   codec.KeyValue[K, V]
	cmp  func(a, b K) int
	root base.Address
	t    int
	log  base.Logger

	// mods counts modifications; iterators compare it to detect them.
	mods atomic.Uint64

	stats Stats
}

// Stats counts structural changes since the tree was opened.
type Stats struct {
	Splits      uint64
	Borrows     uint64
	Merges      uint64
	RootGrowths uint64
	RootShrinks uint64
}

// New opens the tree held by store, writing an empty root leaf if the store
// holds no root yet.
func New[K, V any](store nodeio.NodeIO[*Node[K, V]], kv codec.KeyValue[K, V], cfg Config) (*Tree[K, V], error) {
	if err := kv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrInvalidConfiguration, err)
	}
	if cfg.Arity < MinArity {
		return nil, fmt.Errorf("%w: arity %d, minimum %d", base.ErrInvalidConfiguration, cfg.Arity, MinArity)
	}
	if cfg.Logger == nil {
		cfg.Logger = base.DiscardLogger{}
	}

	t := &Tree[K, V]{
		io:   store,
		kv:   kv,
		cmp:  kv.Compare,
		root: store.RootNodeAddress(),
		t:    cfg.Arity / 2,
		log:  cfg.Logger,
	}

	_, err := store.ReadNode(t.root)
	switch {
	case errors.Is(err, base.ErrNotFound):
		if err := store.WriteNode(&Node[K, V]{addr: t.root}); err != nil {
			return nil, fmt.Errorf("create root: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read root: %w", err)
	}
	return t, nil
}

func (t *Tree[K, V]) maxKeys() int { return 2*t.t - 1 }

// Stats returns structural change counters.
func (t *Tree[K, V]) Stats() Stats { return t.stats }

// Find returns the value stored under key.
func (t *Tree[K, V]) Find(key K) (V, bool, error) {
	var zero V

	n, err := t.io.ReadNode(t.root)
	for err == nil {
		i, found := n.search(key, t.cmp)
		if found {
			return n.values[i], true, nil
		}
		if n.IsLeaf() {
			return zero, false, nil
		}
		n, err = t.io.ReadNode(n.children[i])
	}
	return zero, false, err
}

// Height returns the number of levels.
func (t *Tree[K, V]) Height() (int, error) {
	height := 1
	n, err := t.io.ReadNode(t.root)
	for err == nil && !n.IsLeaf() {
		height++
		n, err = t.io.ReadNode(n.children[0])
	}
	return height, err
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

	// An existing key is updated where it lives, without splitting anything.
	n, err := t.io.ReadNode(t.root)
	for err == nil {
		i, found := n.search(key, t.cmp)
		if found {
			old := n.values[i]
			if replace {
				c := n.clone()
				c.values[i] = value
				if err := t.io.WriteNode(c); err != nil {
					return zero, false, err
				}
				t.mods.Add(1)
			}
			return old, true, nil
		}
		if n.IsLeaf() {
			break
		}
		n, err = t.io.ReadNode(n.children[i])
	}
	if err != nil {
		return zero, false, err
	}

	t.mods.Add(1)
	return zero, false, t.insertAbsent(key, value)
}

// insertAbsent adds a key known not to be present. Every full node met on
// the way down is split first, so the leaf reached always has room.
func (t *Tree[K, V]) insertAbsent(key K, value V) error {
	root, err := t.io.ReadNode(t.root)
	if err != nil {
		return err
	}
	x := root.clone()
	if x.Len() == t.maxKeys() {
		if x, err = t.growRoot(x); err != nil {
			return err
		}
	}

	for {
		i, _ := x.search(key, t.cmp)
		if x.IsLeaf() {
			x.insertAt(i, key, value)
			return t.io.WriteNode(x)
		}

		child, err := t.io.ReadNode(x.children[i])
		if err != nil {
			return err
		}
		if child.Len() < t.maxKeys() {
			x = child.clone()
			continue
		}

		lower, upper, err := t.splitChild(x, i, child)
		if err != nil {
			return err
		}
		if err := t.io.WriteNode(x); err != nil {
			return err
		}
		median := x.keys[i]
		x = lower
		if t.cmp(key, median) > 0 {
			x = upper
		}
	}
}

// growRoot moves the content of the full root x to a new node and makes the
// root its parent, then splits it.
func (t *Tree[K, V]) growRoot(x *Node[K, V]) (*Node[K, V], error) {
	addr, err := t.io.AllocateAddress()
	if err != nil {
		return nil, err
	}
	moved := x.clone()
	moved.addr = addr

	root := &Node[K, V]{addr: t.root, children: []base.Address{addr}}
	if _, _, err := t.splitChild(root, 0, moved); err != nil {
		return nil, err
	}
	if err := t.io.WriteNode(root); err != nil {
		return nil, err
	}
	t.stats.RootGrowths++
	t.log.Info("tree height grew", "root", t.root)
	return root, nil
}

// splitChild splits the full child at index i of x around its median, which
// moves up into x. Both halves are written; x is modified but not written.
// The returned halves are clones the caller may keep modifying.
func (t *Tree[K, V]) splitChild(x *Node[K, V], i int, child *Node[K, V]) (lower, upper *Node[K, V], err error) {
	addr, err := t.io.AllocateAddress()
	if err != nil {
		return nil, nil, err
	}

	lower = child.clone()
	upper = &Node[K, V]{
		addr:   addr,
		keys:   append([]K(nil), lower.keys[t.t:]...),
		values: append([]V(nil), lower.values[t.t:]...),
	}
	if !lower.IsLeaf() {
		upper.children = append([]base.Address(nil), lower.children[t.t:]...)
		lower.children = lower.children[:t.t]
	}
	median, medianValue := lower.keys[t.t-1], lower.values[t.t-1]
	lower.keys, lower.values = lower.keys[:t.t-1], lower.values[:t.t-1]

	x.insertAt(i, median, medianValue)
	x.children = slices.Insert(x.children, i+1, addr)

	if err := t.io.WriteNode(upper); err != nil {
		return nil, nil, err
	}
	if err := t.io.WriteNode(lower); err != nil {
		return nil, nil, err
	}
	t.stats.Splits++
	return lower.clone(), upper.clone(), nil
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
