package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/alexhholmes/fsindex/internal/base"
)

// Storage is a page file: an array of fixed-size pages addressed by index.
// Page 0 holds the Header. Pages past the end of the file read as free
// (all zeros).
type Storage struct {
	file     *os.File
	pageSize int
	header   Header
	bufPool  sync.Pool

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// Open opens or creates the page file at path and takes an exclusive lock on
// it. A new file is stamped with a fresh header; an existing one must have
// been created with the same page size.
func Open(path string, pageSize int) (*Storage, error) {
	if pageSize < base.MinPageSize {
		return nil, fmt.Errorf("%w: page size %d below minimum %d",
			base.ErrInvalidConfiguration, pageSize, base.MinPageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	s := &Storage{
		file:     file,
		pageSize: pageSize,
		bufPool: sync.Pool{
			New: func() any {
				return make([]byte, pageSize)
			},
		},
	}

	info, err := file.Stat()
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	if info.Size() == 0 {
		err = s.initialize()
	} else {
		err = s.load()
	}
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	return s, nil
}

func (s *Storage) initialize() error {
	s.header = newHeader(s.pageSize)
	page := make([]byte, s.pageSize)
	s.header.encode(page)
	if err := s.WritePage(0, page); err != nil {
		return err
	}
	return s.Sync()
}

func (s *Storage) load() error {
	buf := make([]byte, HeaderSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if int(h.PageSize) != s.pageSize {
		return fmt.Errorf("%w: file uses %d, configured %d", base.ErrInvalidPageSize, h.PageSize, s.pageSize)
	}
	s.header = h
	return nil
}

// PageSize returns the size of every page in bytes.
func (s *Storage) PageSize() int {
	return s.pageSize
}

// FileID returns the identity stamped into the header when the file was
// created.
func (s *Storage) FileID() uuid.UUID {
	return s.header.FileID
}

// NumPages returns the number of pages in the file, header included. A
// trailing partial page counts as a page.
func (s *Storage) NumPages() (uint64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	ps := int64(s.pageSize)
	return uint64((info.Size() + ps - 1) / ps), nil
}

// ReadPage fills buf with page id. Bytes past the end of the file read as
// zero.
func (s *Storage) ReadPage(id base.Address, buf []byte) error {
	offset := int64(id) * int64(s.pageSize)

	s.reads.Add(1)
	n, err := s.file.ReadAt(buf[:s.pageSize], offset)
	s.read.Add(uint64(n))
	if errors.Is(err, io.EOF) {
		clear(buf[n:s.pageSize])
		return nil
	}
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short read: got %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

// WritePage writes buf as page id, growing the file when needed.
func (s *Storage) WritePage(id base.Address, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("page buffer is %d bytes, expected %d", len(buf), s.pageSize)
	}
	offset := int64(id) * int64(s.pageSize)
	s.writes.Add(1)

	n, err := s.file.WriteAt(buf, offset)
	s.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n != s.pageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, s.pageSize)
	}
	return nil
}

// Sync flushes buffered writes to disk
func (s *Storage) Sync() error {
	return s.file.Sync()
}

// Close releases the file lock and closes the file
func (s *Storage) Close() error {
	return multierr.Append(unlockFile(s.file), s.file.Close())
}

// GetBuffer gets a page-sized buffer from the pool
func (s *Storage) GetBuffer() []byte {
	return s.bufPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool
func (s *Storage) PutBuffer(buf []byte) {
	s.bufPool.Put(buf)
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
}

// Stats returns I/O statistics
func (s *Storage) Stats() Stats {
	return Stats{
		Reads:   s.reads.Load(),
		Writes:  s.writes.Load(),
		Read:    s.read.Load(),
		Written: s.written.Load(),
	}
}
