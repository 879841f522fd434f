package nodeio

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/cache"
	"github.com/alexhholmes/fsindex/internal/freelist"
	"github.com/alexhholmes/fsindex/internal/journal"
	"github.com/alexhholmes/fsindex/internal/storage"
)

// JournalSuffix is appended to the page file path to name its journal.
const JournalSuffix = ".journal"

// DiskConfig configures a DiskStore.
type DiskConfig[N Node] struct {
	PageSize     int
	CacheSize    int             // nodes; ignored when Cache is set
	Cache        *cache.Cache[N] // optional, may be shared between stores
	SyncMode     journal.SyncMode
	BytesPerSync int
	Logger       base.Logger
}

type opKind uint8

const (
	opWrite opKind = iota + 1
	opDelete
)

// pendingOp is a buffered modification not yet applied to the page file.
type pendingOp[N Node] struct {
	kind      opKind
	node      N
	page      []byte // sealed page image, nil for deletes
	journaled bool
}

// DiskStore keeps nodes in a page file, one node per page, at page index ==
// address. Modifications are buffered in a pending table until they are
// flushed; reads consult the pending table, then the cache, then the file.
type DiskStore[N Node] struct {
	mu       sync.RWMutex
	storage  *storage.Storage
	journal  *journal.Journal
	codec    Codec[N]
	cache    *cache.Cache[N]
	fileID   uuid.UUID
	pageSize int
	log      base.Logger

	numPages  base.Address // first address past every page ever handed out
	free      *freelist.Freelist
	unwritten map[base.Address]struct{}
	pending   map[base.Address]*pendingOp[N]
}

// OpenDisk opens or creates the page file at path together with its journal.
// Committed journal batches left by a crash are applied before the store is
// returned.
func OpenDisk[N Node](path string, codec Codec[N], cfg DiskConfig[N]) (*DiskStore[N], error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = base.DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = base.DiscardLogger{}
	}
	if minSize := codec.MinPageSize(); cfg.PageSize < minSize {
		return nil, fmt.Errorf("%w: page size %d cannot hold a minimal node (%d bytes)",
			base.ErrInvalidConfiguration, cfg.PageSize, minSize)
	}

	c := cfg.Cache
	if c == nil {
		var err error
		if c, err = cache.New[N](cfg.CacheSize); err != nil {
			return nil, err
		}
	}

	st, err := storage.Open(path, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(path+JournalSuffix, cfg.SyncMode, cfg.BytesPerSync)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	s := &DiskStore[N]{
		storage:   st,
		journal:   j,
		codec:     codec,
		cache:     c,
		fileID:    st.FileID(),
		pageSize:  st.PageSize(),
		log:       cfg.Logger,
		free:      freelist.New(),
		unwritten: make(map[base.Address]struct{}),
		pending:   make(map[base.Address]*pendingOp[N]),
	}

	if err := s.recover(); err != nil {
		s.log.Error("node store recovery failed", "path", path, "error", err)
		return nil, multierr.Combine(err, j.Close(), st.Close())
	}
	if err := s.scan(); err != nil {
		s.log.Error("node store scan failed", "path", path, "error", err)
		return nil, multierr.Combine(err, j.Close(), st.Close())
	}
	return s, nil
}

// recover applies committed journal batches to the page file, syncs it and
// empties the journal.
func (s *DiskStore[N]) recover() error {
	if s.journal.Size() == 0 {
		return nil
	}

	zero := make([]byte, s.pageSize)
	stats, err := s.journal.Replay(func(r journal.Record) error {
		if r.Addr == base.Unallocated {
			return fmt.Errorf("%w: journal record for the header page", base.ErrCorruption)
		}
		switch r.Type {
		case journal.RecordWrite:
			if len(r.Data) != s.pageSize {
				return fmt.Errorf("%w: journaled page of %d bytes, page size %d",
					base.ErrCorruption, len(r.Data), s.pageSize)
			}
			return s.storage.WritePage(r.Addr, r.Data)
		default:
			return s.storage.WritePage(r.Addr, zero)
		}
	})
	if err != nil {
		return err
	}

	if stats.TornTail || stats.Discarded > 0 {
		s.log.Warn("discarding incomplete journal batch",
			"records", stats.Discarded, "torn", stats.TornTail)
	}
	if stats.Batches > 0 {
		if err := s.storage.Sync(); err != nil {
			return err
		}
		s.log.Info("journal replayed", "batches", stats.Batches, "records", stats.Records)
	}
	return s.journal.Truncate()
}

// scan rebuilds the free list from the page file and checks every node page.
func (s *DiskStore[N]) scan() error {
	n, err := s.storage.NumPages()
	if err != nil {
		return err
	}
	s.numPages = max(base.Address(n), base.RootAddress+1)

	buf := s.storage.GetBuffer()
	defer s.storage.PutBuffer(buf)

	for addr := base.RootAddress; addr < s.numPages; addr++ {
		if err := s.storage.ReadPage(addr, buf); err != nil {
			return fmt.Errorf("scan page %s: %w", addr, err)
		}
		if base.IsFree(buf) {
			s.free.Free(addr)
			continue
		}
		if err := base.Verify(buf); err != nil {
			return fmt.Errorf("page %s: %w", addr, err)
		}
	}

	// The root slot is reserved even while nothing was ever written there.
	if s.free.Take(base.RootAddress) {
		s.unwritten[base.RootAddress] = struct{}{}
	}
	return nil
}

func (s *DiskStore[N]) key(addr base.Address) cache.Key {
	return cache.Key{File: s.fileID, Addr: addr}
}

func (s *DiskStore[N]) AllocateAddress() (base.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.free.Allocate()
	if addr == base.Unallocated {
		addr = s.numPages
		s.numPages++
	}
	s.unwritten[addr] = struct{}{}
	return addr, nil
}

func (s *DiskStore[N]) ReadNode(addr base.Address) (N, error) {
	var zero N

	s.mu.RLock()
	defer s.mu.RUnlock()

	if op, ok := s.pending[addr]; ok {
		if op.kind == opDelete {
			return zero, fmt.Errorf("read %s: %w", addr, base.ErrNotFound)
		}
		return op.node, nil
	}
	if !s.liveLocked(addr) {
		return zero, fmt.Errorf("read %s: %w", addr, base.ErrNotFound)
	}

	if n, ok := s.cache.Get(s.key(addr)); ok {
		return n, nil
	}

	buf := s.storage.GetBuffer()
	defer s.storage.PutBuffer(buf)

	if err := s.storage.ReadPage(addr, buf); err != nil {
		return zero, fmt.Errorf("read %s: %w", addr, err)
	}
	if base.IsFree(buf) {
		return zero, fmt.Errorf("read %s: %w", addr, base.ErrNotFound)
	}
	if err := base.Verify(buf); err != nil {
		return zero, fmt.Errorf("read %s: %w", addr, err)
	}
	n, err := s.codec.Decode(addr, base.Body(buf))
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w: %w", addr, base.ErrCorruption, err)
	}

	// Filling the cache under the read lock keeps a concurrent flush from
	// slipping a newer image in before this older one.
	s.cache.Put(s.key(addr), n)
	return n, nil
}

// liveLocked reports whether addr holds a node in the page file. Caller must
// hold s.mu.
func (s *DiskStore[N]) liveLocked(addr base.Address) bool {
	if addr == base.Unallocated || addr >= s.numPages {
		return false
	}
	if _, ok := s.unwritten[addr]; ok {
		return false
	}
	return !s.free.IsFree(addr)
}

func (s *DiskStore[N]) WriteNode(n N) error {
	addr := n.Address()

	page := make([]byte, s.pageSize)
	if err := s.codec.Encode(n, base.Body(page)); err != nil {
		return fmt.Errorf("encode %s: %w", addr, err)
	}
	if base.IsFree(page) {
		return fmt.Errorf("encode %s: codec produced a free page", addr)
	}
	base.Seal(page)

	s.mu.Lock()
	defer s.mu.Unlock()

	op, pending := s.pending[addr]
	_, reserved := s.unwritten[addr]
	allowed := reserved || (pending && op.kind == opWrite) || (!pending && s.liveLocked(addr))
	if !allowed {
		return fmt.Errorf("write %s: address not allocated: %w", addr, base.ErrNotFound)
	}

	delete(s.unwritten, addr)
	s.pending[addr] = &pendingOp[N]{kind: opWrite, node: n, page: page}
	return nil
}

func (s *DiskStore[N]) DeleteNode(n N) error {
	addr := n.Address()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.unwritten[addr]; ok {
		// Never reached the page file; reusable right away.
		delete(s.unwritten, addr)
		s.free.Free(addr)
		return nil
	}

	op, pending := s.pending[addr]
	if (pending && op.kind == opDelete) || (!pending && !s.liveLocked(addr)) {
		return fmt.Errorf("delete %s: %w", addr, base.ErrNotFound)
	}

	s.pending[addr] = &pendingOp[N]{kind: opDelete, node: n}
	s.free.Pending(addr)
	s.cache.Delete(s.key(addr))
	return nil
}

func (s *DiskStore[N]) WriteJournal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeJournalLocked()
}

func (s *DiskStore[N]) writeJournalLocked() error {
	addrs := make([]base.Address, 0, len(s.pending))
	for addr, op := range s.pending {
		if !op.journaled {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	slices.Sort(addrs)

	records := make([]journal.Record, 0, len(addrs))
	for _, addr := range addrs {
		op := s.pending[addr]
		r := journal.Record{Type: journal.RecordDelete, Addr: addr}
		if op.kind == opWrite {
			r.Type = journal.RecordWrite
			r.Data = op.page
		}
		records = append(records, r)
	}

	if err := s.journal.Commit(records); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	for _, addr := range addrs {
		s.pending[addr].journaled = true
	}
	return nil
}

func (s *DiskStore[N]) FlushPendingModifications() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	// Journal first so that a crash halfway through the page writes below
	// is repaired by replay.
	if err := s.writeJournalLocked(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	addrs := make([]base.Address, 0, len(s.pending))
	for addr := range s.pending {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	zero := make([]byte, s.pageSize)
	for _, addr := range addrs {
		op := s.pending[addr]
		page := zero
		if op.kind == opWrite {
			page = op.page
		}
		if err := s.storage.WritePage(addr, page); err != nil {
			return fmt.Errorf("flush %s: %w", addr, err)
		}
	}
	if err := s.storage.Sync(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := s.journal.Truncate(); err != nil {
		return fmt.Errorf("flush: truncate journal: %w", err)
	}

	for _, addr := range addrs {
		if op := s.pending[addr]; op.kind == opWrite {
			s.cache.Put(s.key(addr), op.node)
		}
	}
	clear(s.pending)
	s.free.Release()
	return nil
}

func (s *DiskStore[N]) RootNodeAddress() base.Address {
	return base.RootAddress
}

// Close flushes pending modifications and closes the page file and journal.
func (s *DiskStore[N]) Close() error {
	err := s.FlushPendingModifications()

	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(err, s.journal.Close(), s.storage.Close())
}

// DiskStats holds node store statistics
type DiskStats struct {
	Storage   storage.Stats
	Cache     cache.Stats
	Pages     uint64 // pages in use or reserved, header included
	FreePages int
	Retired   int // addresses freed once the next flush lands
	Pending   int // buffered modifications
}

// Stats returns node store statistics.
func (s *DiskStore[N]) Stats() DiskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return DiskStats{
		Storage:   s.storage.Stats(),
		Cache:     s.cache.Stats(),
		Pages:     uint64(s.numPages),
		FreePages: s.free.Size(),
		Retired:   s.free.PendingSize(),
		Pending:   len(s.pending),
	}
}
