package test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fsindex"
)

func TestIndexRestartPersistence(t *testing.T) {
	t.Parallel()

	for _, engine := range engines {
		engine := engine
		t.Run(engine.String(), func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "restart.idx")

			// Phase 1: insert, delete a third, close
			idx := open(t, path, engine, fsindex.WithCacheSize(16))
			for i := 0; i < 1000; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("key%04d", i), uint64(i))
				require.NoError(t, err, "Failed to insert key%04d", i)
			}
			for i := 0; i < 1000; i += 3 {
				_, _, err := idx.Delete(fmt.Sprintf("key%04d", i))
				require.NoError(t, err)
			}
			require.NoError(t, idx.Close())

			// Phase 2: reopen and read everything back
			idx = open(t, path, engine, fsindex.WithCacheSize(16))
			defer idx.Close()

			require.NoError(t, idx.CheckInvariants())
			for i := 0; i < 1000; i++ {
				v, ok, err := idx.Find(fmt.Sprintf("key%04d", i))
				require.NoError(t, err)
				if i%3 == 0 {
					assert.False(t, ok, "key%04d survived its delete", i)
					continue
				}
				require.True(t, ok, "key%04d lost after restart", i)
				assert.Equal(t, uint64(i), v)
			}

			// The small cache forces reads from the page file
			s := idx.Stats()
			assert.NotZero(t, s.PageReads)
			assert.NotZero(t, s.CacheMisses)
			assert.Zero(t, s.PendingNodes)
		})
	}
}

func TestIndexCrashRecovery(t *testing.T) {
	t.Parallel()

	for _, engine := range engines {
		engine := engine
		t.Run(engine.String(), func(t *testing.T) {
			t.Parallel()

			idx, path := setup(t, engine)

			// Batch 1 reaches the page file
			for i := 0; i < 300; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("a%04d", i), uint64(i))
				require.NoError(t, err)
			}
			require.NoError(t, idx.Flush())

			// Batch 2 reaches the journal only
			for i := 0; i < 300; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("b%04d", i), uint64(i))
				require.NoError(t, err)
			}
			for i := 0; i < 300; i += 2 {
				_, _, err := idx.Delete(fmt.Sprintf("a%04d", i))
				require.NoError(t, err)
			}
			require.NoError(t, idx.Sync())

			// Batch 3 is never made durable
			for i := 0; i < 300; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("c%04d", i), uint64(i))
				require.NoError(t, err)
			}

			crashed := filepath.Join(t.TempDir(), "crashed.idx")
			snapshot(t, path, crashed)

			recovered := open(t, crashed, engine)
			defer recovered.Close()

			require.NoError(t, recovered.CheckInvariants())
			count, err := recovered.Len()
			require.NoError(t, err)
			assert.Equal(t, 150+300, count)

			for i := 0; i < 300; i++ {
				_, ok, err := recovered.Find(fmt.Sprintf("a%04d", i))
				require.NoError(t, err)
				assert.Equal(t, i%2 == 1, ok, "a%04d", i)

				_, ok, err = recovered.Find(fmt.Sprintf("b%04d", i))
				require.NoError(t, err)
				assert.True(t, ok, "b%04d lost", i)

				_, ok, err = recovered.Find(fmt.Sprintf("c%04d", i))
				require.NoError(t, err)
				assert.False(t, ok, "c%04d was never synced", i)
			}
		})
	}
}

func TestIndexRetiredPagesReusedAfterFlush(t *testing.T) {
	t.Parallel()

	for _, engine := range engines {
		engine := engine
		t.Run(engine.String(), func(t *testing.T) {
			t.Parallel()

			idx, _ := setup(t, engine, fsindex.WithArity(4, 4))
			for i := 0; i < 300; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("key%04d", i), uint64(i))
				require.NoError(t, err)
			}
			require.NoError(t, idx.Flush())
			pages := idx.Stats().Pages

			for i := 0; i < 300; i++ {
				_, _, err := idx.Delete(fmt.Sprintf("key%04d", i))
				require.NoError(t, err)
			}

			// Merged nodes stay on disk until the flush lands
			s := idx.Stats()
			assert.NotZero(t, s.RetiredPages)

			require.NoError(t, idx.Flush())
			s = idx.Stats()
			assert.Zero(t, s.RetiredPages)
			assert.NotZero(t, s.FreePages)

			// Refilling reuses the freed pages instead of growing the file
			for i := 0; i < 100; i++ {
				_, _, err := idx.Insert(fmt.Sprintf("key%04d", i), uint64(i))
				require.NoError(t, err)
			}
			require.NoError(t, idx.Flush())
			assert.Equal(t, pages, idx.Stats().Pages)
		})
	}
}

func TestIndexBackgroundFlush(t *testing.T) {
	t.Parallel()

	idx, _ := setup(t, fsindex.EngineBLink, fsindex.WithFlushInterval(10*time.Millisecond))

	for i := 0; i < 100; i++ {
		_, _, err := idx.Insert(fmt.Sprintf("key%03d", i), uint64(i))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return idx.Stats().PendingNodes == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIndexFileLocked(t *testing.T) {
	t.Parallel()

	_, path := setup(t, fsindex.EngineBLink)

	_, err := fsindex.Open(path, kv, fsindex.WithPageSize(512))
	assert.ErrorIs(t, err, fsindex.ErrLocked)
}

func TestIndexReopenMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mismatch.idx")
	idx := open(t, path, fsindex.EngineBLink)
	_, _, err := idx.Insert("key", 1)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	tests := []struct {
		name string
		opts []fsindex.Option
		err  error
	}{
		{
			name: "page size",
			opts: []fsindex.Option{fsindex.WithPageSize(1024)},
			err:  fsindex.ErrInvalidPageSize,
		},
		{
			name: "engine",
			opts: []fsindex.Option{fsindex.WithPageSize(512), fsindex.WithEngine(fsindex.EngineBTree)},
			err:  fsindex.ErrCorruption,
		},
	}

	for _, tt := range tests {
		tt := tt
		_, err := fsindex.Open(path, kv, tt.opts...)
		assert.ErrorIs(t, err, tt.err, tt.name)
	}
}
