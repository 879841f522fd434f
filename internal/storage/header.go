package storage

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/alexhholmes/fsindex/internal/base"
)

const (
	// MagicNumber for file format identification ("fsix" in hex)
	MagicNumber uint32 = 0x66736978

	FormatVersion uint16 = 1

	// HeaderSize Layout: [Magic:4][Version:2][Reserved:2][PageSize:4][FileID:16][Checksum:8]
	HeaderSize = 4 + 2 + 2 + 4 + 16 + 8
)

// Header describes a page file. It lives at the start of page 0, which is
// never handed out as a node address.
type Header struct {
	Magic    uint32
	Version  uint16
	PageSize uint32
	FileID   uuid.UUID // distinguishes files sharing one node cache
}

func newHeader(pageSize int) Header {
	return Header{
		Magic:    MagicNumber,
		Version:  FormatVersion,
		PageSize: uint32(pageSize),
		FileID:   uuid.New(),
	}
}

// encode writes the header and its checksum into buf.
func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	copy(buf[12:28], h.FileID[:])
	binary.LittleEndian.PutUint64(buf[28:36], xxhash.Sum64(buf[:28]))
}

// decodeHeader parses and validates the header in buf.
func decodeHeader(buf []byte) (Header, error) {
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != MagicNumber {
		return h, base.ErrInvalidMagicNumber
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != FormatVersion {
		return h, base.ErrInvalidVersion
	}
	if binary.LittleEndian.Uint64(buf[28:36]) != xxhash.Sum64(buf[:28]) {
		return h, base.ErrInvalidChecksum
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.FileID[:], buf[12:28])
	return h, nil
}
