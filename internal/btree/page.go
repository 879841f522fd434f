package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
)

// Page body layout:
//
//	[Kind:1][Leaf:1][Count:2]
//	Count x (Key | Value)
//	Count+1 x Child (8), internal nodes only
const headerSize = 4

// MinArity is the smallest maximum fan-out, giving a minimum degree of 2.
const MinArity = 4

// Codec encodes classical nodes into node store pages.
type Codec[K, V any] struct {
	kv codec.KeyValue[K, V]
}

// NewCodec returns the page codec for nodes with the given key/value codecs.
func NewCodec[K, V any](kv codec.KeyValue[K, V]) *Codec[K, V] {
	return &Codec[K, V]{kv: kv}
}

func (c *Codec[K, V]) entrySize() int {
	return c.kv.KeySize() + c.kv.ValueSize()
}

// Arity returns the largest fan-out m such that m-1 entries and m children
// fit on a page of pageSize bytes.
func (c *Codec[K, V]) Arity(pageSize int) int {
	usable := pageSize - base.ChecksumSize - headerSize
	return (usable + c.entrySize()) / (c.entrySize() + 8)
}

// MinPageSize is the smallest page holding a node of MinArity.
func (c *Codec[K, V]) MinPageSize() int {
	return base.ChecksumSize + headerSize + (MinArity-1)*c.entrySize() + MinArity*8
}

func (c *Codec[K, V]) Encode(n *Node[K, V], body []byte) error {
	need := headerSize + n.Len()*c.entrySize() + len(n.children)*8
	if need > len(body) {
		return fmt.Errorf("node %s needs %d bytes, page body has %d", n.addr, need, len(body))
	}

	clear(body)
	body[0] = base.KindClassic
	if n.IsLeaf() {
		body[1] = 1
	}
	binary.LittleEndian.PutUint16(body[2:4], uint16(n.Len()))

	ks, size := c.kv.KeySize(), c.entrySize()
	off := headerSize
	for i := range n.keys {
		if err := c.kv.Keys.Encode(body[off:off+ks], n.keys[i]); err != nil {
			return err
		}
		if err := c.kv.Values.Encode(body[off+ks:off+size], n.values[i]); err != nil {
			return err
		}
		off += size
	}
	for _, child := range n.children {
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(child))
		off += 8
	}
	return nil
}

func (c *Codec[K, V]) Decode(addr base.Address, body []byte) (*Node[K, V], error) {
	if body[0] != base.KindClassic {
		return nil, fmt.Errorf("unexpected page kind %d", body[0])
	}
	leaf := body[1] == 1
	count := int(binary.LittleEndian.Uint16(body[2:4]))

	ks, size := c.kv.KeySize(), c.entrySize()
	need := headerSize + count*size
	if !leaf {
		need += (count + 1) * 8
	}
	if need > len(body) {
		return nil, fmt.Errorf("entry count %d overflows the page", count)
	}

	n := &Node[K, V]{
		addr:   addr,
		keys:   make([]K, count),
		values: make([]V, count),
	}
	off := headerSize
	for i := 0; i < count; i++ {
		n.keys[i] = c.kv.Keys.Decode(body[off : off+ks])
		n.values[i] = c.kv.Values.Decode(body[off+ks : off+size])
		off += size
	}
	if !leaf {
		n.children = make([]base.Address, count+1)
		for i := range n.children {
			n.children[i] = base.Address(binary.LittleEndian.Uint64(body[off : off+8]))
			off += 8
		}
	}
	return n, nil
}
