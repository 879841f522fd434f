package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Every node page is framed the same way regardless of which engine wrote it:
//
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Kind (1 byte)  0 = free page                                        │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Body (PageSize - 1 - ChecksumSize bytes), engine specific           │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Checksum (8 bytes) xxhash64 of Kind+Body                            │
// └─────────────────────────────────────────────────────────────────────┘
//
// A page full of zeros is a free page; it carries no valid checksum and is
// never decoded.
const (
	ChecksumSize = 8

	// MinPageSize is the smallest page size any store accepts.
	MinPageSize = 128
	// DefaultPageSize matches the usual filesystem block size.
	DefaultPageSize = 4096
)

// Page kinds stored in the first byte of every node page.
const (
	KindFree     uint8 = 0
	KindLeaf     uint8 = 1 // B-link leaf
	KindInternal uint8 = 2 // B-link internal node
	KindClassic  uint8 = 3 // classical B-tree node
)

// Seal writes the checksum trailer of page.
func Seal(page []byte) {
	body := len(page) - ChecksumSize
	binary.LittleEndian.PutUint64(page[body:], xxhash.Sum64(page[:body]))
}

// Verify checks the checksum trailer of page.
func Verify(page []byte) error {
	body := len(page) - ChecksumSize
	if binary.LittleEndian.Uint64(page[body:]) != xxhash.Sum64(page[:body]) {
		return ErrInvalidChecksum
	}
	return nil
}

// IsFree reports whether page holds no node.
func IsFree(page []byte) bool {
	return page[0] == KindFree
}

// Body returns the part of page a node codec may use.
func Body(page []byte) []byte {
	return page[:len(page)-ChecksumSize]
}
