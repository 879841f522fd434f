package blink

import (
	"encoding/binary"
	"fmt"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/pmap"
)

// Page body layout (the store appends the checksum trailer):
//
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Kind (1) │ Level (1) │ Count (2) │ HasHigh (1) │ RightLink (8)       │
// ├─────────────────────────────────────────────────────────────────────┤
// │ HighKey (KeySize), zeroed when HasHigh is 0                         │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Entry[0] .. Entry[Count-1]                                          │
// │   leaf:     Key (KeySize) | Value (ValueSize)                       │
// │   internal: Key (KeySize) | Child (8)                               │
// │   the last internal entry is the Inf separator, its key is zeroed   │
// └─────────────────────────────────────────────────────────────────────┘
const fixedHeaderSize = 1 + 1 + 2 + 1 + 8

// MinArity is the smallest usable fan-out of either node kind.
const MinArity = 3

// Codec encodes B-link nodes into node store pages.
type Codec[K, V any] struct {
	kv     codec.KeyValue[K, V]
	sepCmp func(a, b Separator[K]) int
}

// NewCodec returns the page codec for nodes with the given key/value codecs.
func NewCodec[K, V any](kv codec.KeyValue[K, V]) *Codec[K, V] {
	return &Codec[K, V]{kv: kv, sepCmp: separatorCompare(kv.Compare)}
}

func (c *Codec[K, V]) headerSize() int {
	return fixedHeaderSize + c.kv.KeySize()
}

func (c *Codec[K, V]) leafEntrySize() int {
	return c.kv.KeySize() + c.kv.ValueSize()
}

func (c *Codec[K, V]) internalEntrySize() int {
	return c.kv.KeySize() + 8
}

// Capacity returns how many leaf entries and internal children fit on a page
// of pageSize bytes.
func (c *Codec[K, V]) Capacity(pageSize int) (leaf, internal int) {
	usable := pageSize - base.ChecksumSize - c.headerSize()
	return usable / c.leafEntrySize(), usable / c.internalEntrySize()
}

// MinPageSize is the smallest page holding MinArity entries of either kind.
func (c *Codec[K, V]) MinPageSize() int {
	entry := max(c.leafEntrySize(), c.internalEntrySize())
	return base.ChecksumSize + c.headerSize() + MinArity*entry
}

func (c *Codec[K, V]) Encode(n *Node[K, V], body []byte) error {
	size := c.internalEntrySize()
	if n.leaf {
		size = c.leafEntrySize()
	}
	if need := c.headerSize() + n.Len()*size; need > len(body) {
		return fmt.Errorf("node %s needs %d bytes, page body has %d", n.addr, need, len(body))
	}

	clear(body)
	body[0] = base.KindInternal
	if n.leaf {
		body[0] = base.KindLeaf
	}
	body[1] = n.level
	binary.LittleEndian.PutUint16(body[2:4], uint16(n.Len()))
	binary.LittleEndian.PutUint64(body[5:13], uint64(n.right))

	ks := c.kv.KeySize()
	if n.hasHigh {
		body[4] = 1
		if err := c.kv.Keys.Encode(body[fixedHeaderSize:fixedHeaderSize+ks], n.high); err != nil {
			return err
		}
	}

	off := c.headerSize()
	var err error
	if n.leaf {
		n.entries.Ascend(func(k K, v V) bool {
			if err = c.kv.Keys.Encode(body[off:off+ks], k); err != nil {
				return false
			}
			if err = c.kv.Values.Encode(body[off+ks:off+size], v); err != nil {
				return false
			}
			off += size
			return true
		})
		return err
	}

	n.children.Ascend(func(s Separator[K], child base.Address) bool {
		if !s.Inf {
			if err = c.kv.Keys.Encode(body[off:off+ks], s.Key); err != nil {
				return false
			}
		}
		binary.LittleEndian.PutUint64(body[off+ks:off+size], uint64(child))
		off += size
		return true
	})
	return err
}

func (c *Codec[K, V]) Decode(addr base.Address, body []byte) (*Node[K, V], error) {
	kind := body[0]
	if kind != base.KindLeaf && kind != base.KindInternal {
		return nil, fmt.Errorf("unexpected page kind %d", kind)
	}

	n := &Node[K, V]{
		addr:    addr,
		leaf:    kind == base.KindLeaf,
		level:   body[1],
		hasHigh: body[4] == 1,
		right:   base.Address(binary.LittleEndian.Uint64(body[5:13])),
	}
	if n.leaf != (n.level == 0) {
		return nil, fmt.Errorf("page kind %d at level %d", kind, n.level)
	}

	ks := c.kv.KeySize()
	if n.hasHigh {
		n.high = c.kv.Keys.Decode(body[fixedHeaderSize : fixedHeaderSize+ks])
	}

	count := int(binary.LittleEndian.Uint16(body[2:4]))
	size := c.internalEntrySize()
	if n.leaf {
		size = c.leafEntrySize()
	}
	off := c.headerSize()
	if off+count*size > len(body) {
		return nil, fmt.Errorf("entry count %d overflows the page", count)
	}

	if n.leaf {
		keys := make([]K, count)
		values := make([]V, count)
		for i := 0; i < count; i++ {
			keys[i] = c.kv.Keys.Decode(body[off : off+ks])
			values[i] = c.kv.Values.Decode(body[off+ks : off+size])
			off += size
		}
		n.entries = pmap.FromSorted(c.kv.Compare, keys, values)
		return n, nil
	}

	if count == 0 {
		return nil, fmt.Errorf("internal node without children")
	}
	seps := make([]Separator[K], count)
	addrs := make([]base.Address, count)
	for i := 0; i < count; i++ {
		if i == count-1 {
			seps[i] = Separator[K]{Inf: true}
		} else {
			seps[i] = Separator[K]{Key: c.kv.Keys.Decode(body[off : off+ks])}
		}
		addrs[i] = base.Address(binary.LittleEndian.Uint64(body[off+ks : off+size]))
		off += size
	}
	n.children = pmap.FromSorted(c.sepCmp, seps, addrs)
	return n, nil
}
