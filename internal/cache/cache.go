package cache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/google/uuid"

	"github.com/alexhholmes/fsindex/internal/base"
)

const (
	MinCacheSize = 16 // Minimum: hold a root-to-leaf path plus concurrent ops
)

// Key identifies a node across every page file sharing the cache.
type Key struct {
	File uuid.UUID
	Addr base.Address
}

func hashKey(k Key) uint32 {
	var buf [24]byte
	copy(buf[:16], k.File[:])
	binary.LittleEndian.PutUint64(buf[16:], uint64(k.Addr))
	return uint32(xxhash.Sum64(buf[:]))
}

// Cache is a bounded LRU of decoded nodes. It only ever holds clean nodes,
// ones whose page image is already in the page file, so dropping an entry
// never loses data. Safe for concurrent use.
type Cache[N any] struct {
	lru *freelru.SyncedLRU[Key, N]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most maxSize nodes.
func New[N any](maxSize int) (*Cache[N], error) {
	maxSize = max(maxSize, MinCacheSize)

	lru, err := freelru.NewSynced[Key, N](uint32(maxSize), hashKey)
	if err != nil {
		return nil, fmt.Errorf("create node cache: %w", err)
	}
	return &Cache[N]{lru: lru}, nil
}

// Put adds a node, replacing any existing entry for the key.
func (c *Cache[N]) Put(key Key, node N) {
	if c.lru.Add(key, node) {
		c.evictions.Add(1)
	}
}

// Get returns the cached node for key.
func (c *Cache[N]) Get(key Key) (N, bool) {
	node, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return node, ok
}

// Delete drops key if present.
func (c *Cache[N]) Delete(key Key) {
	c.lru.Remove(key)
}

// Size returns the number of cached nodes.
func (c *Cache[N]) Size() int {
	return c.lru.Len()
}

// Stats holds cache statistics
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics.
func (c *Cache[N]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
