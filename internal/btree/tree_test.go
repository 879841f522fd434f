package btree

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/journal"
	"github.com/alexhholmes/fsindex/internal/nodeio"
)

var uintKV = codec.New[uint64, uint64](codec.Uint64{}, codec.Uint64{})

func newMemTree(t *testing.T, arity int) *Tree[uint64, uint64] {
	t.Helper()

	tree, err := New(nodeio.NewMemStore[*Node[uint64, uint64]](), uintKV, Config{Arity: arity})
	require.NoError(t, err)
	return tree
}

func collect[K, V any](t *testing.T, it *Iterator[K, V]) []K {
	t.Helper()

	var keys []K
	for it.Next() {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Err())
	return keys
}

func TestLetterScenario(t *testing.T) {
	t.Parallel()

	kv := codec.New[string, uint64](codec.FixedString(4), codec.Uint64{})
	tree, err := New(nodeio.NewMemStore[*Node[string, uint64]](), kv, Config{Arity: 4})
	require.NoError(t, err)

	letters := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}
	for i, k := range letters {
		_, replaced, err := tree.Insert(k, uint64(i))
		require.NoError(t, err)
		require.False(t, replaced)
	}
	require.NoError(t, tree.CheckInvariants())

	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 3, height)

	v, found, err := tree.Find("E")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(4), v)

	for _, k := range []string{"H", "G"} {
		_, found, err := tree.Delete(k)
		require.NoError(t, err)
		require.True(t, found, k)
		require.NoError(t, tree.CheckInvariants())
	}

	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "I"}, collect(t, tree.Iterator()))
	count, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	// Deleting H merged the root's only children and the tree lost a level.
	height, err = tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 2, height)
	assert.Equal(t, uint64(1), tree.Stats().RootShrinks)
}

func TestInsertReplace(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)
	for k := uint64(0); k < 50; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}
	splits := tree.Stats().Splits

	// Keys in internal nodes and leaves alike are replaced in place.
	for k := uint64(0); k < 50; k++ {
		old, replaced, err := tree.Insert(k, k+1000)
		require.NoError(t, err)
		require.True(t, replaced)
		assert.Equal(t, k, old)
	}
	assert.Equal(t, splits, tree.Stats().Splits)

	v, err := tree.InsertIfAbsent(10, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1010), v)

	v, err = tree.InsertIfAbsent(100, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	require.NoError(t, tree.CheckInvariants())
}

func TestInvalidArity(t *testing.T) {
	t.Parallel()

	_, err := New(nodeio.NewMemStore[*Node[uint64, uint64]](), uintKV, Config{Arity: 3})
	assert.ErrorIs(t, err, base.ErrInvalidConfiguration)
}

func TestRandomInsertsAndDeletes(t *testing.T) {
	t.Parallel()

	for _, arity := range []int{4, 5, 6, 9, 64} {
		arity := arity
		t.Run(fmt.Sprintf("arity=%d", arity), func(t *testing.T) {
			t.Parallel()

			const n = 500
			rng := rand.New(rand.NewSource(int64(arity)))
			tree := newMemTree(t, arity)

			for _, p := range rng.Perm(n) {
				_, _, err := tree.Insert(uint64(p), uint64(p)*2)
				require.NoError(t, err)
			}
			require.NoError(t, tree.CheckInvariants())

			keys := collect(t, tree.Iterator())
			require.Len(t, keys, n)
			for i, k := range keys {
				require.Equal(t, uint64(i), k)
			}

			live := make(map[uint64]bool, n)
			for k := uint64(0); k < n; k++ {
				live[k] = true
			}
			for i, p := range rng.Perm(n) {
				k := uint64(p)
				v, found, err := tree.Delete(k)
				require.NoError(t, err)
				require.True(t, found, "key %d", k)
				assert.Equal(t, k*2, v)
				delete(live, k)

				if i%25 == 0 {
					require.NoError(t, tree.CheckInvariants(), "after deleting %d", k)
					count, err := tree.Len()
					require.NoError(t, err)
					require.Equal(t, len(live), count)
				}
			}

			_, found, err := tree.Delete(3)
			require.NoError(t, err)
			assert.False(t, found)

			height, err := tree.Height()
			require.NoError(t, err)
			assert.Equal(t, 1, height)
			assert.Equal(t, tree.Stats().RootGrowths, tree.Stats().RootShrinks)
		})
	}
}

func TestIterateFrom(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)
	for k := uint64(0); k < 100; k += 2 {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		from  uint64
		first uint64
		count int
	}{
		{name: "present", from: 40, first: 40, count: 30},
		{name: "between", from: 41, first: 42, count: 29},
		{name: "before", from: 0, first: 0, count: 50},
		{name: "last", from: 98, first: 98, count: 1},
		{name: "past", from: 99, count: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			keys := collect(t, tree.IterateFrom(tt.from))
			require.Len(t, keys, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, keys[0])
			}
			for i := 1; i < len(keys); i++ {
				assert.Equal(t, keys[i-1]+2, keys[i])
			}
		})
	}
}

func TestIteratorDetectsModification(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)
	for k := uint64(0); k < 20; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	it := tree.Iterator()
	require.True(t, it.Next())

	// Reads and failed deletes are not modifications.
	_, _, err := tree.Find(5)
	require.NoError(t, err)
	_, _, err = tree.Delete(500)
	require.NoError(t, err)
	require.True(t, it.Next())

	_, _, err = tree.Insert(100, 1)
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrModified)
}

func TestDump(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)
	for k := uint64(1); k <= 10; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, tree.Dump(&buf))
	assert.Contains(t, buf.String(), "digraph btree {")
	assert.Contains(t, buf.String(), fmt.Sprintf("n%d:f0 -> ", base.RootAddress))
}

func TestCodecArity(t *testing.T) {
	t.Parallel()

	c := NewCodec(uintKV)
	// 256 - 8 checksum - 4 header: 9 entries of 16 bytes and 10 children
	assert.Equal(t, 10, c.Arity(256))
	assert.LessOrEqual(t, c.MinPageSize(), 256)

	leaf := &Node[uint64, uint64]{addr: 7, keys: []uint64{1, 2}, values: []uint64{10, 20}}
	internal := &Node[uint64, uint64]{addr: 8, keys: []uint64{5}, values: []uint64{50}, children: []base.Address{2, 3}}
	for _, n := range []*Node[uint64, uint64]{leaf, internal} {
		body := make([]byte, 248)
		require.NoError(t, c.Encode(n, body))
		got, err := c.Decode(n.addr, body)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func openDiskTree(t *testing.T, path string) (*Tree[uint64, uint64], *nodeio.DiskStore[*Node[uint64, uint64]]) {
	t.Helper()

	c := NewCodec(uintKV)
	store, err := nodeio.OpenDisk[*Node[uint64, uint64]](path, c, nodeio.DiskConfig[*Node[uint64, uint64]]{
		PageSize: 256,
		SyncMode: journal.SyncOff,
	})
	require.NoError(t, err)

	tree, err := New(store, uintKV, Config{Arity: c.Arity(256)})
	require.NoError(t, err)
	return tree, store
}

func TestDiskTreeRecoversJournaledChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	tree, store := openDiskTree(t, path)
	defer store.Close()

	for k := uint64(0); k < 1000; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushPendingModifications())

	for k := uint64(0); k < 1000; k += 2 {
		_, _, err := tree.Delete(k)
		require.NoError(t, err)
	}
	require.NoError(t, store.WriteJournal())

	_, _, err := tree.Insert(5000, 1)
	require.NoError(t, err)

	crashed := filepath.Join(dir, "crashed.db")
	for _, suffix := range []string{"", nodeio.JournalSuffix} {
		in, err := os.Open(path + suffix)
		require.NoError(t, err)
		out, err := os.Create(crashed + suffix)
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}

	recovered, rstore := openDiskTree(t, crashed)
	defer rstore.Close()

	require.NoError(t, recovered.CheckInvariants())
	keys := collect(t, recovered.Iterator())
	require.Len(t, keys, 500)
	for i, k := range keys {
		require.Equal(t, uint64(2*i+1), k)
	}
	_, found, err := recovered.Find(5000)
	require.NoError(t, err)
	assert.False(t, found)
}
