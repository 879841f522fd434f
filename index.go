// Package fsindex is a disk-resident ordered key/value index with fixed-size
// keys and values. Two tree engines share the same node store: a concurrent
// B-link tree and a classical single-writer B-tree.
//
// Changes are buffered in memory until Sync appends them to a write-ahead
// journal or Flush writes them to the page file. After a crash, the next Open
// replays every change that reached the journal.
package fsindex

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/alexhholmes/fsindex/codec"
)

// Index is an ordered index over one page file. All methods are safe for
// concurrent use.
type Index[K, V any] struct {
	// mu is held shared by tree operations and exclusively by Flush, Sync
	// and Close, which must not miss a node write in progress. Writers of
	// the classical engine hold it exclusively too.
	mu     sync.RWMutex
	engine engine[K, V]
	store  store
	opts   Options
	path   string
	closed bool

	stopC chan struct{}
	wg    sync.WaitGroup
}

// Open opens or creates the index stored at path. The journal lives next to
// it with the ".journal" suffix.
func Open[K, V any](path string, kv codec.KeyValue[K, V], options ...Option) (*Index[K, V], error) {
	return open(path, kv, options)
}

// OpenMemory creates an index that lives in memory only. Sync and Flush are
// no-ops; everything is lost on Close.
func OpenMemory[K, V any](kv codec.KeyValue[K, V], options ...Option) (*Index[K, V], error) {
	return open("", kv, options)
}

func open[K, V any](path string, kv codec.KeyValue[K, V], options []Option) (*Index[K, V], error) {
	// Apply options
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e, s, err := openEngine(path, kv, opts)
	if err != nil {
		opts.Logger.Error("open index", "path", path, "error", err)
		return nil, err
	}

	idx := &Index[K, V]{
		engine: e,
		store:  s,
		opts:   opts,
		path:   path,
		stopC:  make(chan struct{}),
	}

	// Start background flusher
	if opts.FlushInterval > 0 {
		idx.wg.Add(1)
		go idx.backgroundFlusher()
	}

	height, _ := e.Height()
	opts.Logger.Info("index opened", "path", path, "engine", opts.Engine.String(), "height", height)
	return idx, nil
}

func (idx *Index[K, V]) backgroundFlusher() {
	defer idx.wg.Done()

	ticker := time.NewTicker(idx.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := idx.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				idx.opts.Logger.Warn("background flush", "path", idx.path, "error", err)
			}

		case <-idx.stopC:
			return
		}
	}
}

// lockWrite takes the lock a modifying operation needs and returns its
// release function.
func (idx *Index[K, V]) lockWrite() func() {
	if idx.opts.Engine == EngineBTree {
		idx.mu.Lock()
		return idx.mu.Unlock
	}
	idx.mu.RLock()
	return idx.mu.RUnlock
}

// Find returns the value stored under key. A missing key is reported by
// the boolean, not as an error.
func (idx *Index[K, V]) Find(key K) (V, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		var zero V
		return zero, false, ErrClosed
	}
	return idx.engine.Find(key)
}

// Insert stores value under key and returns the value it replaced, if any.
func (idx *Index[K, V]) Insert(key K, value V) (old V, replaced bool, err error) {
	defer idx.lockWrite()()

	if idx.closed {
		return old, false, ErrClosed
	}
	return idx.engine.Insert(key, value)
}

// InsertIfAbsent stores value under key unless key is already present. It
// returns the value held under key afterwards.
func (idx *Index[K, V]) InsertIfAbsent(key K, value V) (V, error) {
	defer idx.lockWrite()()

	if idx.closed {
		var zero V
		return zero, ErrClosed
	}
	return idx.engine.InsertIfAbsent(key, value)
}

// Delete removes key and returns the value it held, if any.
func (idx *Index[K, V]) Delete(key K) (V, bool, error) {
	defer idx.lockWrite()()

	if idx.closed {
		var zero V
		return zero, false, ErrClosed
	}
	return idx.engine.Delete(key)
}

// Iterator returns an iterator over all entries in key order.
func (idx *Index[K, V]) Iterator() Iterator[K, V] {
	return idx.iterate(nil)
}

// IterateFrom returns an iterator over the entries with keys >= key.
func (idx *Index[K, V]) IterateFrom(key K) Iterator[K, V] {
	return idx.iterate(&key)
}

func (idx *Index[K, V]) iterate(from *K) Iterator[K, V] {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return &iterator[K, V]{idx: idx, err: ErrClosed}
	}
	return &iterator[K, V]{idx: idx, it: idx.engine.iterate(from)}
}

// iterator holds the index lock shared for each step, so the index cannot
// be closed under it.
type iterator[K, V any] struct {
	idx *Index[K, V]
	it  Iterator[K, V]
	err error
}

func (i *iterator[K, V]) Next() bool {
	if i.err != nil {
		return false
	}

	i.idx.mu.RLock()
	defer i.idx.mu.RUnlock()

	if i.idx.closed {
		i.err = ErrClosed
		return false
	}
	return i.it.Next()
}

func (i *iterator[K, V]) Key() K {
	if i.it == nil {
		var zero K
		return zero
	}
	return i.it.Key()
}

func (i *iterator[K, V]) Value() V {
	if i.it == nil {
		var zero V
		return zero
	}
	return i.it.Value()
}

func (i *iterator[K, V]) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Err()
}

// Sync makes every change so far durable in the journal. It is cheaper than
// Flush and equally safe: a crash after Sync loses nothing.
func (idx *Index[K, V]) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	return idx.store.WriteJournal()
}

// Flush writes every change so far to the page file and empties the
// journal.
func (idx *Index[K, V]) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	return idx.store.FlushPendingModifications()
}

// Close flushes and closes the index. Using the index afterwards fails with
// ErrClosed.
func (idx *Index[K, V]) Close() error {
	// Stop background goroutines
	select {
	case <-idx.stopC:
		return ErrClosed
	default:
		close(idx.stopC)
		idx.wg.Wait()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.closed = true
	err := idx.store.Close()
	if err != nil {
		idx.opts.Logger.Error("close index", "path", idx.path, "error", err)
		return err
	}
	idx.opts.Logger.Info("index closed", "path", idx.path)
	return nil
}

// Height returns the number of tree levels.
func (idx *Index[K, V]) Height() (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return 0, ErrClosed
	}
	return idx.engine.Height()
}

// Len counts the entries. It walks every leaf.
func (idx *Index[K, V]) Len() (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return 0, ErrClosed
	}
	return idx.engine.Len()
}

// CheckInvariants verifies the structure of the whole tree. Violations wrap
// ErrInvariant.
func (idx *Index[K, V]) CheckInvariants() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	return idx.engine.CheckInvariants()
}

// Dump writes the tree in Graphviz DOT format.
func (idx *Index[K, V]) Dump(w io.Writer) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	return idx.engine.Dump(w)
}

// StructureStats counts structural changes since the index was opened.
type StructureStats struct {
	Splits          uint64
	Redistributions uint64 // entries moved between siblings
	Merges          uint64
	RootGrowths     uint64
	RootShrinks     uint64
}

// Stats holds index statistics.
type Stats struct {
	Structure StructureStats

	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64

	PageReads    uint64
	PageWrites   uint64
	BytesRead    uint64
	BytesWritten uint64

	Pages        uint64 // pages in the file, header included; nodes for memory indexes
	FreePages    int
	RetiredPages int // reusable after the next flush
	PendingNodes int // modifications not yet flushed
}

// Stats returns index statistics.
func (idx *Index[K, V]) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ds := idx.store.Stats()
	return Stats{
		Structure:      idx.engine.structure(),
		CacheHits:      ds.Cache.Hits,
		CacheMisses:    ds.Cache.Misses,
		CacheEvictions: ds.Cache.Evictions,
		PageReads:      ds.Storage.Reads,
		PageWrites:     ds.Storage.Writes,
		BytesRead:      ds.Storage.Read,
		BytesWritten:   ds.Storage.Written,
		Pages:          ds.Pages,
		FreePages:      ds.FreePages,
		RetiredPages:   ds.Retired,
		PendingNodes:   ds.Pending,
	}
}

// closeOnError closes c after a failed open and returns err together with
// any close error.
func closeOnError(err error, c io.Closer) error {
	return multierr.Append(err, c.Close())
}
