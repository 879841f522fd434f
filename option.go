package fsindex

import (
	"fmt"
	"time"

	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/journal"
)

// Engine selects the tree algorithm behind an Index.
type Engine int

const (
	// EngineBLink is the concurrent B-link tree. Readers never block and
	// writers only lock the nodes they change.
	EngineBLink Engine = iota

	// EngineBTree is the classical B-tree. Writers are serialized by the
	// index and exclude readers while they run.
	EngineBTree
)

func (e Engine) String() string {
	switch e {
	case EngineBLink:
		return "blink"
	case EngineBTree:
		return "btree"
	}
	return fmt.Sprintf("engine(%d)", int(e))
}

// SyncMode controls when the journal is fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs the journal on every Sync.
	// - No journaled change is lost on power failure
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs the journal once at least BytesPerSync bytes were
	// appended since the last fsync.
	// - Recent journaled changes may be lost on power failure
	SyncBytes

	// SyncOff never fsyncs the journal (testing/bulk loads only).
	// - Flushes still fsync the page file
	SyncOff
)

func (m SyncMode) journal() journal.SyncMode {
	switch m {
	case SyncBytes:
		return journal.SyncBytes
	case SyncOff:
		return journal.SyncOff
	}
	return journal.SyncEveryCommit
}

// Options configures an Index.
type Options struct {
	Engine       Engine
	PageSize     int // bytes per node page
	CacheSize    int // nodes kept in the page cache
	SyncMode     SyncMode
	BytesPerSync int // journal bytes between fsyncs when SyncMode is SyncBytes

	// LeafArity and InternalArity override the fan-out derived from the
	// page size; 0 keeps the derived value. The classical engine uses
	// InternalArity only.
	LeafArity     int
	InternalArity int

	// FlushInterval enables a background flush of pending modifications to
	// the page file. 0 disables it.
	FlushInterval time.Duration

	Logger Logger
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		Engine:       EngineBLink,
		PageSize:     base.DefaultPageSize,
		CacheSize:    4096,
		SyncMode:     SyncEveryCommit,
		BytesPerSync: 1024 * 1024, // 1MB
		Logger:       DiscardLogger{},
	}
}

func (o Options) validate() error {
	switch {
	case o.Engine != EngineBLink && o.Engine != EngineBTree:
		return fmt.Errorf("%w: unknown engine %s", ErrInvalidConfiguration, o.Engine)
	case o.PageSize < base.MinPageSize:
		return fmt.Errorf("%w: page size %d below %d", ErrInvalidConfiguration, o.PageSize, base.MinPageSize)
	case o.LeafArity < 0 || o.InternalArity < 0:
		return fmt.Errorf("%w: negative arity", ErrInvalidConfiguration)
	case o.FlushInterval < 0:
		return fmt.Errorf("%w: negative flush interval", ErrInvalidConfiguration)
	case o.CacheSize < 0:
		return fmt.Errorf("%w: negative cache size %d", ErrInvalidConfiguration, o.CacheSize)
	case o.BytesPerSync < 0:
		return fmt.Errorf("%w: negative sync threshold %d", ErrInvalidConfiguration, o.BytesPerSync)
	}
	return nil
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithEngine selects the tree algorithm.
func WithEngine(e Engine) Option {
	return func(opts *Options) {
		opts.Engine = e
	}
}

// WithPageSize sets the node page size. It must match the size the file was
// created with.
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.PageSize = size
	}
}

// WithCacheSize sets how many nodes the page cache holds.
func WithCacheSize(nodes int) Option {
	return func(opts *Options) {
		opts.CacheSize = nodes
	}
}

// WithSyncEveryCommit fsyncs the journal on every Sync.
func WithSyncEveryCommit() Option {
	return func(opts *Options) {
		opts.SyncMode = SyncEveryCommit
	}
}

// WithSyncBytes fsyncs the journal after every n bytes appended.
func WithSyncBytes(n int) Option {
	return func(opts *Options) {
		opts.SyncMode = SyncBytes
		opts.BytesPerSync = n
	}
}

// WithSyncOff disables journal fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.SyncMode = SyncOff
	}
}

// WithArity overrides the node fan-out derived from the page size. It is
// mostly useful in tests that want deep trees from few keys.
func WithArity(leaf, internal int) Option {
	return func(opts *Options) {
		opts.LeafArity = leaf
		opts.InternalArity = internal
	}
}

// WithFlushInterval flushes pending modifications in the background at the
// given interval.
func WithFlushInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.FlushInterval = d
	}
}

// WithLogger sets the logger. A nil logger discards everything.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l == nil {
			l = DiscardLogger{}
		}
		opts.Logger = l
	}
}
