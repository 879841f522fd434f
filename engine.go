package fsindex

import (
	"fmt"
	"io"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/blink"
	"github.com/alexhholmes/fsindex/internal/btree"
	"github.com/alexhholmes/fsindex/internal/nodeio"
)

// Iterator walks an index in ascending key order.
//
//	it := idx.Iterator()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[K, V any] interface {
	Next() bool
	Key() K
	Value() V
	Err() error
}

// engine is what an Index needs from a tree.
type engine[K, V any] interface {
	Find(key K) (V, bool, error)
	Insert(key K, value V) (V, bool, error)
	InsertIfAbsent(key K, value V) (V, error)
	Delete(key K) (V, bool, error)
	Height() (int, error)
	Len() (int, error)
	CheckInvariants() error
	Dump(w io.Writer) error

	iterate(from *K) Iterator[K, V]
	structure() StructureStats
}

// store is what an Index needs from a node store beyond the engine's use.
type store interface {
	FlushPendingModifications() error
	WriteJournal() error
	Close() error
	Stats() nodeio.DiskStats
}

type blinkEngine[K, V any] struct {
	*blink.Tree[K, V]
}

func (e blinkEngine[K, V]) iterate(from *K) Iterator[K, V] {
	if from == nil {
		return e.Iterator()
	}
	return e.IterateFrom(*from)
}

func (e blinkEngine[K, V]) structure() StructureStats {
	s := e.Stats()
	return StructureStats{
		Splits:          s.Splits,
		Redistributions: s.Redistributions,
		Merges:          s.Merges,
		RootGrowths:     s.RootGrowths,
		RootShrinks:     s.RootShrinks,
	}
}

type btreeEngine[K, V any] struct {
	*btree.Tree[K, V]
}

func (e btreeEngine[K, V]) iterate(from *K) Iterator[K, V] {
	if from == nil {
		return e.Iterator()
	}
	return e.IterateFrom(*from)
}

func (e btreeEngine[K, V]) structure() StructureStats {
	s := e.Stats()
	return StructureStats{
		Splits:          s.Splits,
		Redistributions: s.Borrows,
		Merges:          s.Merges,
		RootGrowths:     s.RootGrowths,
		RootShrinks:     s.RootShrinks,
	}
}

// memStore gives a MemStore the store methods an Index calls.
type memStore[N nodeio.Node] struct {
	*nodeio.MemStore[N]
}

func (memStore[N]) Close() error { return nil }

func (m memStore[N]) Stats() nodeio.DiskStats {
	return nodeio.DiskStats{Pages: uint64(m.Len())}
}

func diskConfig[N nodeio.Node](opts Options) nodeio.DiskConfig[N] {
	return nodeio.DiskConfig[N]{
		PageSize:     opts.PageSize,
		CacheSize:    opts.CacheSize,
		SyncMode:     opts.SyncMode.journal(),
		BytesPerSync: opts.BytesPerSync,
		Logger:       opts.Logger,
	}
}

// openEngine opens the engine selected by opts over a disk store at path,
// or over a memory store when path is empty.
func openEngine[K, V any](path string, kv codec.KeyValue[K, V], opts Options) (engine[K, V], store, error) {
	if opts.Engine == EngineBTree {
		c := btree.NewCodec(kv)
		if path == "" {
			s := nodeio.NewMemStore[*btree.Node[K, V]]()
			e, err := newBTree(s, c, kv, opts)
			return e, memStore[*btree.Node[K, V]]{s}, err
		}
		s, err := nodeio.OpenDisk[*btree.Node[K, V]](path, c, diskConfig[*btree.Node[K, V]](opts))
		if err != nil {
			return nil, nil, err
		}
		e, err := newBTree(s, c, kv, opts)
		if err != nil {
			return nil, nil, closeOnError(err, s)
		}
		return e, s, nil
	}

	c := blink.NewCodec(kv)
	if path == "" {
		s := nodeio.NewMemStore[*blink.Node[K, V]]()
		e, err := newBLink(s, c, kv, opts)
		return e, memStore[*blink.Node[K, V]]{s}, err
	}
	s, err := nodeio.OpenDisk[*blink.Node[K, V]](path, c, diskConfig[*blink.Node[K, V]](opts))
	if err != nil {
		return nil, nil, err
	}
	e, err := newBLink(s, c, kv, opts)
	if err != nil {
		return nil, nil, closeOnError(err, s)
	}
	return e, s, nil
}

func newBLink[K, V any](s nodeio.NodeIO[*blink.Node[K, V]], c *blink.Codec[K, V], kv codec.KeyValue[K, V], opts Options) (engine[K, V], error) {
	leaf, internal := c.Capacity(opts.PageSize)
	leaf, err := arity(opts.LeafArity, leaf)
	if err != nil {
		return nil, err
	}
	if internal, err = arity(opts.InternalArity, internal); err != nil {
		return nil, err
	}

	tree, err := blink.New(s, kv, blink.Config{LeafArity: leaf, InternalArity: internal, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return blinkEngine[K, V]{tree}, nil
}

func newBTree[K, V any](s nodeio.NodeIO[*btree.Node[K, V]], c *btree.Codec[K, V], kv codec.KeyValue[K, V], opts Options) (engine[K, V], error) {
	fanout, err := arity(opts.InternalArity, c.Arity(opts.PageSize))
	if err != nil {
		return nil, err
	}

	tree, err := btree.New(s, kv, btree.Config{Arity: fanout, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return btreeEngine[K, V]{tree}, nil
}

// arity applies an override to the fan-out a page can hold.
func arity(override, capacity int) (int, error) {
	if override == 0 {
		return capacity, nil
	}
	if override > capacity {
		return 0, fmt.Errorf("%w: arity %d exceeds page capacity %d", ErrInvalidConfiguration, override, capacity)
	}
	return override, nil
}
