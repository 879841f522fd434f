package blink

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fsindex/internal/journal"
	"github.com/alexhholmes/fsindex/internal/nodeio"
)

const testPageSize = 256

func openDiskTree(t *testing.T, path string) (*Tree[uint64, uint64], *nodeio.DiskStore[*Node[uint64, uint64]]) {
	t.Helper()

	c := NewCodec(uintKV)
	store, err := nodeio.OpenDisk[*Node[uint64, uint64]](path, c, nodeio.DiskConfig[*Node[uint64, uint64]]{
		PageSize:  testPageSize,
		CacheSize: 32,
		SyncMode:  journal.SyncOff,
	})
	require.NoError(t, err)

	leaf, internal := c.Capacity(testPageSize)
	tree, err := New(store, uintKV, Config{LeafArity: leaf, InternalArity: internal})
	require.NoError(t, err)
	return tree, store
}

// copyFiles copies the page file and its journal, which is what a process
// killed at this point would leave behind.
func copyFiles(t *testing.T, src, dst string) {
	t.Helper()

	for _, suffix := range []string{"", nodeio.JournalSuffix} {
		in, err := os.Open(src + suffix)
		require.NoError(t, err)
		out, err := os.Create(dst + suffix)
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}
}

func TestDiskTreePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	tree, store := openDiskTree(t, path)

	const n = 3000
	for k := uint64(0); k < n; k++ {
		_, _, err := tree.Insert(k, k*3)
		require.NoError(t, err)
		if k%500 == 0 {
			require.NoError(t, store.FlushPendingModifications())
		}
	}
	for k := uint64(0); k < n; k += 3 {
		_, found, err := tree.Delete(k)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.NoError(t, tree.CheckInvariants())
	require.NoError(t, store.Close())

	tree, store = openDiskTree(t, path)
	defer store.Close()

	require.NoError(t, tree.CheckInvariants())
	for k := uint64(0); k < n; k++ {
		v, found, err := tree.Find(k)
		require.NoError(t, err)
		if k%3 == 0 {
			assert.False(t, found, "key %d", k)
			continue
		}
		require.True(t, found, "key %d", k)
		assert.Equal(t, k*3, v)
	}

	count, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, n-n/3, count)
	assert.Positive(t, store.Stats().Cache.Hits)
}

func TestDiskTreeRecoversJournaledChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	tree, store := openDiskTree(t, path)
	defer store.Close()

	for k := uint64(0); k < 500; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushPendingModifications())

	// Splits and merges after the flush reach the journal only.
	for k := uint64(500); k < 800; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}
	for k := uint64(0); k < 200; k++ {
		_, _, err := tree.Delete(k)
		require.NoError(t, err)
	}
	require.NoError(t, store.WriteJournal())

	// Never journaled.
	_, _, err := tree.Insert(10_000, 1)
	require.NoError(t, err)

	crashed := filepath.Join(dir, "crashed.db")
	copyFiles(t, path, crashed)

	recovered, rstore := openDiskTree(t, crashed)
	defer rstore.Close()

	require.NoError(t, recovered.CheckInvariants())
	keys := collect(t, recovered.Iterator())
	require.Len(t, keys, 600)
	assert.Equal(t, uint64(200), keys[0])
	assert.Equal(t, uint64(799), keys[len(keys)-1])

	_, found, err := recovered.Find(10_000)
	require.NoError(t, err)
	assert.False(t, found)
}
