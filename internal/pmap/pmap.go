// Package pmap is an immutable sorted map. Every update returns a new Map and
// leaves the receiver untouched; unchanged structure is shared between
// versions through the copy-on-write clone of google/btree.
//
// A Map may be read from any number of goroutines while a single goroutine
// derives new versions from it.
package pmap

import "github.com/google/btree"

const degree = 8

type entry[K, V any] struct {
	key   K
	value V
}

// Map is a persistent sorted map. The zero Map is not usable; create one with
// New.
type Map[K, V any] struct {
	tree *btree.BTreeG[entry[K, V]]
	cmp  func(a, b K) int
}

// New returns an empty map ordered by cmp.
func New[K, V any](cmp func(a, b K) int) Map[K, V] {
	less := func(a, b entry[K, V]) bool { return cmp(a.key, b.key) < 0 }
	// Node maps are small and numerous; skip the default pooled free list.
	free := btree.NewFreeListG[entry[K, V]](0)
	return Map[K, V]{tree: btree.NewWithFreeListG(degree, less, free), cmp: cmp}
}

// FromSorted builds a map from keys in strictly ascending order.
func FromSorted[K, V any](cmp func(a, b K) int, keys []K, values []V) Map[K, V] {
	m := New[K, V](cmp)
	for i := range keys {
		m.tree.ReplaceOrInsert(entry[K, V]{key: keys[i], value: values[i]})
	}
	return m
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int {
	return m.tree.Len()
}

// Get returns the value stored under k.
func (m Map[K, V]) Get(k K) (V, bool) {
	e, ok := m.tree.Get(entry[K, V]{key: k})
	return e.value, ok
}

// Has reports whether k is present.
func (m Map[K, V]) Has(k K) bool {
	return m.tree.Has(entry[K, V]{key: k})
}

// Put returns a map with k bound to v.
func (m Map[K, V]) Put(k K, v V) Map[K, V] {
	t := m.tree.Clone()
	t.ReplaceOrInsert(entry[K, V]{key: k, value: v})
	return Map[K, V]{tree: t, cmp: m.cmp}
}

// Delete returns a map without k. The receiver is returned when k is absent.
func (m Map[K, V]) Delete(k K) Map[K, V] {
	if !m.Has(k) {
		return m
	}
	t := m.tree.Clone()
	t.Delete(entry[K, V]{key: k})
	return Map[K, V]{tree: t, cmp: m.cmp}
}

// Min returns the smallest entry.
func (m Map[K, V]) Min() (k K, v V, ok bool) {
	e, ok := m.tree.Min()
	return e.key, e.value, ok
}

// Max returns the largest entry.
func (m Map[K, V]) Max() (k K, v V, ok bool) {
	e, ok := m.tree.Max()
	return e.key, e.value, ok
}

// Ceiling returns the smallest entry with key >= k.
func (m Map[K, V]) Ceiling(k K) (ck K, cv V, ok bool) {
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: k}, func(e entry[K, V]) bool {
		ck, cv, ok = e.key, e.value, true
		return false
	})
	return ck, cv, ok
}

// Higher returns the smallest entry with key > k.
func (m Map[K, V]) Higher(k K) (hk K, hv V, ok bool) {
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: k}, func(e entry[K, V]) bool {
		if m.cmp(e.key, k) == 0 {
			return true
		}
		hk, hv, ok = e.key, e.value, true
		return false
	})
	return hk, hv, ok
}

// Lower returns the largest entry with key < k.
func (m Map[K, V]) Lower(k K) (lk K, lv V, ok bool) {
	m.tree.DescendLessOrEqual(entry[K, V]{key: k}, func(e entry[K, V]) bool {
		if m.cmp(e.key, k) == 0 {
			return true
		}
		lk, lv, ok = e.key, e.value, true
		return false
	})
	return lk, lv, ok
}

// Ascend calls fn for every entry in key order until fn returns false.
func (m Map[K, V]) Ascend(fn func(k K, v V) bool) {
	m.tree.Ascend(func(e entry[K, V]) bool { return fn(e.key, e.value) })
}

// AscendFrom calls fn for every entry with key >= k in order until fn returns
// false.
func (m Map[K, V]) AscendFrom(k K, fn func(k K, v V) bool) {
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: k}, func(e entry[K, V]) bool {
		return fn(e.key, e.value)
	})
}

// Keys returns all keys in order.
func (m Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.Ascend(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Entries returns all keys and values in order.
func (m Map[K, V]) Entries() ([]K, []V) {
	keys := make([]K, 0, m.Len())
	values := make([]V, 0, m.Len())
	m.Ascend(func(k K, v V) bool {
		keys = append(keys, k)
		values = append(values, v)
		return true
	})
	return keys, values
}

// Split returns the first n entries and the rest as two new maps.
func (m Map[K, V]) Split(n int) (Map[K, V], Map[K, V]) {
	keys, values := m.Entries()
	return FromSorted(m.cmp, keys[:n], values[:n]), FromSorted(m.cmp, keys[n:], values[n:])
}

// Union returns a map holding the entries of both maps; entries of o win on
// equal keys.
func (m Map[K, V]) Union(o Map[K, V]) Map[K, V] {
	t := m.tree.Clone()
	o.Ascend(func(k K, v V) bool {
		t.ReplaceOrInsert(entry[K, V]{key: k, value: v})
		return true
	})
	return Map[K, V]{tree: t, cmp: m.cmp}
}
