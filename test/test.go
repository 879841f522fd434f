// Package test provides integration tests for fsindex.
package test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fsindex"
	"github.com/alexhholmes/fsindex/codec"
)

// engines lists every engine an integration test runs against.
var engines = []fsindex.Engine{fsindex.EngineBLink, fsindex.EngineBTree}

// kv maps fixed 16 byte string keys to uint64 values.
var kv = codec.New[string, uint64](codec.FixedString(16), codec.Uint64{})

// setup opens a fresh index in a temporary directory. Small pages keep the
// trees several levels deep.
func setup(t *testing.T, engine fsindex.Engine, opts ...fsindex.Option) (*fsindex.Index[string, uint64], string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.idx")
	idx := open(t, path, engine, opts...)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func open(t *testing.T, path string, engine fsindex.Engine, opts ...fsindex.Option) *fsindex.Index[string, uint64] {
	t.Helper()

	opts = append([]fsindex.Option{
		fsindex.WithEngine(engine),
		fsindex.WithPageSize(512),
		fsindex.WithSyncOff(),
	}, opts...)
	idx, err := fsindex.Open(path, kv, opts...)
	require.NoError(t, err, "Failed to open index")
	return idx
}

// snapshot copies the page file and journal at path to dst, which is what a
// process killed at this point would leave behind.
func snapshot(t *testing.T, path, dst string) {
	t.Helper()

	for _, suffix := range []string{"", ".journal"} {
		in, err := os.Open(path + suffix)
		require.NoError(t, err)
		out, err := os.Create(dst + suffix)
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}
}

// keys drains an iterator.
func keys(t *testing.T, it fsindex.Iterator[string, uint64]) []string {
	t.Helper()

	var out []string
	for it.Next() {
		out = append(out, it.Key())
	}
	require.NoError(t, it.Err())
	return out
}
