package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/fsindex/internal/base"
)

// SyncMode controls when the journal is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every journal commit.
	// - A committed batch survives power failure
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when bytesPerSync bytes have been written.
	// - Higher throughput than per-commit fsync
	// - Data loss window: up to bytesPerSync bytes on power failure
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Survives a process crash, not a power failure
	SyncOff
)

// Record types
const (
	RecordWrite  uint8 = 1 // Full page image of a node
	RecordDelete uint8 = 2 // Node retired, page becomes free
	RecordCommit uint8 = 3 // Commit marker closing a batch
)

// RecordHeaderSize Record format:
// [Type:1][Seq:8][Addr:8][DataLen:4][HeaderChecksum:8][Checksum:8][Data:N]
// HeaderChecksum covers the first 21 bytes, so a damaged length is told
// apart from a record cut short. Checksum covers those 21 bytes and the data.
const RecordHeaderSize = 1 + 8 + 8 + 4 + 8 + 8

// fieldsSize is the part of the header both checksums cover.
const fieldsSize = 21

// maxRecordData bounds the data length accepted during replay so that a
// corrupted length field cannot trigger a huge allocation.
const maxRecordData = 1 << 24

// Record is a single journal record
type Record struct {
	Type uint8
	Seq  uint64
	Addr base.Address
	Data []byte
}

// Journal is the redo log of a disk node store. Pending node writes and
// deletes are appended in batches closed by a commit marker; at open the
// committed batches are replayed onto the page file and the journal is
// truncated once the page file is synced.
type Journal struct {
	file   *os.File
	mu     sync.Mutex
	offset int64 // Current write position
	seq    uint64

	// Sync configuration
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int // Bytes written since last fsync
}

// Open opens or creates a journal file with the specified sync mode
func Open(path string, syncMode SyncMode, bytesPerSync int) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	// get current file size to set offset
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Journal{
		file:         file,
		offset:       info.Size(),
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
	}, nil
}

// Size returns the number of bytes in the journal.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

// Commit appends records as one batch followed by a commit marker, then
// syncs according to the sync mode. The batch goes out in a single write;
// replay ignores a batch whose commit marker is missing.
func (j *Journal) Commit(records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	size := RecordHeaderSize
	for _, r := range records {
		if r.Type != RecordWrite && r.Type != RecordDelete {
			return fmt.Errorf("journal: cannot append record type %d", r.Type)
		}
		size += RecordHeaderSize + len(r.Data)
	}

	j.seq++
	seq := j.seq

	buf := make([]byte, 0, size)
	for _, r := range records {
		buf = appendRecord(buf, r.Type, seq, r.Addr, r.Data)
	}
	buf = appendRecord(buf, RecordCommit, seq, base.Unallocated, nil)

	n, err := j.file.Write(buf)
	j.offset += int64(n)
	j.bytesSinceSync += n
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}

	return j.syncLocked()
}

func appendRecord(buf []byte, typ uint8, seq uint64, addr base.Address, data []byte) []byte {
	start := len(buf)
	buf = append(buf, typ)
	buf = binary.LittleEndian.AppendUint64(buf, seq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(addr))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	fields := buf[start:]
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(fields))
	buf = binary.LittleEndian.AppendUint64(buf, recordChecksum(fields, data))
	return append(buf, data...)
}

func recordChecksum(header, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(header)
	_, _ = d.Write(data)
	return d.Sum64()
}

// syncLocked conditionally fsyncs based on sync mode configuration.
// Caller must hold j.mu.
func (j *Journal) syncLocked() error {
	switch j.syncMode {
	case SyncEveryCommit:
		return j.forceSyncLocked()

	case SyncBytes:
		if j.bytesSinceSync >= j.bytesPerSync {
			return j.forceSyncLocked()
		}
		return nil

	case SyncOff:
		return nil

	default:
		return fmt.Errorf("unknown journal sync mode: %d", j.syncMode)
	}
}

func (j *Journal) forceSyncLocked() error {
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.bytesSinceSync = 0
	return nil
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Batches   int  // committed batches applied
	Records   int  // write and delete records applied
	Discarded int  // records of batches without a commit marker
	TornTail  bool // the journal ended in the middle of a record
}

// Replay reads the journal from the start and calls applyFn for every record
// of every committed batch, in journal order. A record cut short at the end
// of the file is a torn write and ends the replay. A damaged header, or a
// checksum mismatch anywhere but the last record, is reported as corruption.
func (j *Journal) Replay(applyFn func(Record) error) (ReplayStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats ReplayStats
	size := j.offset
	r := bufio.NewReader(io.NewSectionReader(j.file, 0, size))

	// seq -> records to apply once the commit marker shows up
	uncommitted := make(map[uint64][]Record)

	header := make([]byte, RecordHeaderSize)
	offset := int64(0)

	for offset < size {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				stats.TornTail = true
				break
			}
			return stats, fmt.Errorf("journal replay read error: %w", err)
		}

		typ := header[0]
		seq := binary.LittleEndian.Uint64(header[1:9])
		addr := base.Address(binary.LittleEndian.Uint64(header[9:17]))
		dataLen := int64(binary.LittleEndian.Uint32(header[17:21]))
		headerSum := binary.LittleEndian.Uint64(header[21:29])
		sum := binary.LittleEndian.Uint64(header[29:37])

		// A complete header is never torn; a mismatch is damage in place.
		if xxhash.Sum64(header[:fieldsSize]) != headerSum {
			return stats, fmt.Errorf("journal replay: record header at offset %d: %w", offset, base.ErrInvalidChecksum)
		}
		if dataLen > maxRecordData {
			return stats, fmt.Errorf("journal replay: record at offset %d claims %d bytes: %w",
				offset, dataLen, base.ErrCorruption)
		}

		end := offset + RecordHeaderSize + dataLen
		if end > size {
			// Header made it to disk, data did not
			stats.TornTail = true
			break
		}

		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return stats, fmt.Errorf("journal replay: failed to read record data: %w", err)
		}

		if recordChecksum(header[:fieldsSize], data) != sum {
			if end == size {
				stats.TornTail = true
				break
			}
			return stats, fmt.Errorf("journal replay: record at offset %d: %w", offset, base.ErrInvalidChecksum)
		}
		offset = end

		switch typ {
		case RecordWrite, RecordDelete:
			uncommitted[seq] = append(uncommitted[seq], Record{Type: typ, Seq: seq, Addr: addr, Data: data})

		case RecordCommit:
			for _, rec := range uncommitted[seq] {
				if err := applyFn(rec); err != nil {
					return stats, fmt.Errorf("journal replay: failed to apply record for %s: %w", rec.Addr, err)
				}
				stats.Records++
			}
			stats.Batches++
			delete(uncommitted, seq)
			j.seq = max(j.seq, seq)

		default:
			return stats, fmt.Errorf("journal replay: unknown record type %d: %w", typ, base.ErrCorruption)
		}
	}

	for _, recs := range uncommitted {
		stats.Discarded += len(recs)
	}
	return stats, nil
}

// Truncate empties the journal. Only call this once everything it holds is
// synced to the page file.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return err
	}
	j.offset = 0
	return j.forceSyncLocked()
}

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.file.Close()
}
