// Package codec describes how keys and values are laid out inside node pages.
//
// Every codec has a fixed byte footprint. Node capacity (arity) is derived
// from the page size and these footprints, so a codec must never write more
// than Size bytes.
package codec

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrTooLarge = errors.New("value exceeds codec size")

// Codec serializes values of type T into exactly Size bytes.
type Codec[T any] interface {
	Size() int
	Encode(dst []byte, v T) error
	Decode(src []byte) T
}

// Ordered is a Codec whose values have a total order. Key codecs must be
// Ordered.
type Ordered[T any] interface {
	Codec[T]
	Compare(a, b T) int
}

// KeyValue is the pair of codecs a tree needs.
type KeyValue[K, V any] struct {
	Keys   Ordered[K]
	Values Codec[V]
}

// New pairs a key codec with a value codec.
func New[K, V any](keys Ordered[K], values Codec[V]) KeyValue[K, V] {
	return KeyValue[K, V]{Keys: keys, Values: values}
}

// KeySize is the on-page footprint of one key.
func (kv KeyValue[K, V]) KeySize() int { return kv.Keys.Size() }

// ValueSize is the on-page footprint of one value.
func (kv KeyValue[K, V]) ValueSize() int { return kv.Values.Size() }

// Compare orders two keys.
func (kv KeyValue[K, V]) Compare(a, b K) int { return kv.Keys.Compare(a, b) }

// Validate reports a configuration error for codecs with no footprint.
func (kv KeyValue[K, V]) Validate() error {
	if kv.Keys == nil || kv.Values == nil {
		return errors.New("codec: key and value codecs are required")
	}
	if kv.Keys.Size() <= 0 || kv.Values.Size() < 0 {
		return fmt.Errorf("codec: invalid sizes key=%d value=%d", kv.Keys.Size(), kv.Values.Size())
	}
	return nil
}

// Uint64 encodes unsigned integers big endian so that byte order and numeric
// order agree.
type Uint64 struct{}

func (Uint64) Size() int { return 8 }

func (Uint64) Encode(dst []byte, v uint64) error {
	binary.BigEndian.PutUint64(dst, v)
	return nil
}

func (Uint64) Decode(src []byte) uint64 { return binary.BigEndian.Uint64(src) }

func (Uint64) Compare(a, b uint64) int { return cmp.Compare(a, b) }

// Int64 flips the sign bit so negative numbers sort before positive ones in
// their encoded form as well.
type Int64 struct{}

func (Int64) Size() int { return 8 }

func (Int64) Encode(dst []byte, v int64) error {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
	return nil
}

func (Int64) Decode(src []byte) int64 {
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63))
}

func (Int64) Compare(a, b int64) int { return cmp.Compare(a, b) }

// Float64 stores values as their IEEE 754 bits. NaN is rejected because it
// has no place in a total order.
type Float64 struct{}

func (Float64) Size() int { return 8 }

func (Float64) Encode(dst []byte, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("codec: NaN cannot be stored")
	}
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	return nil
}

func (Float64) Decode(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

func (Float64) Compare(a, b float64) int { return cmp.Compare(a, b) }

// String stores strings of at most Len bytes, zero padded. Strings that end
// in NUL bytes do not round trip.
type String struct {
	Len int
}

// FixedString returns a String codec of n bytes.
func FixedString(n int) String { return String{Len: n} }

func (s String) Size() int { return s.Len }

func (s String) Encode(dst []byte, v string) error {
	if len(v) > s.Len {
		return fmt.Errorf("%w: string of %d bytes, limit %d", ErrTooLarge, len(v), s.Len)
	}
	n := copy(dst[:s.Len], v)
	clear(dst[n:s.Len])
	return nil
}

func (s String) Decode(src []byte) string {
	return string(bytes.TrimRight(src[:s.Len], "\x00"))
}

func (String) Compare(a, b string) int { return cmp.Compare(a, b) }

// Bytes stores byte slices of exactly Len bytes. Shorter slices are zero
// padded, so the decoded value always has length Len.
type Bytes struct {
	Len int
}

// FixedBytes returns a Bytes codec of n bytes.
func FixedBytes(n int) Bytes { return Bytes{Len: n} }

func (b Bytes) Size() int { return b.Len }

func (b Bytes) Encode(dst []byte, v []byte) error {
	if len(v) > b.Len {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(v), b.Len)
	}
	n := copy(dst[:b.Len], v)
	clear(dst[n:b.Len])
	return nil
}

func (b Bytes) Decode(src []byte) []byte {
	return bytes.Clone(src[:b.Len])
}

func (Bytes) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Empty is a zero-byte value codec for set-like indexes.
type Empty struct{}

func (Empty) Size() int { return 0 }

func (Empty) Encode([]byte, struct{}) error { return nil }

func (Empty) Decode([]byte) struct{} { return struct{}{} }
