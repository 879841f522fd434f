package blink

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fsindex/codec"
	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/nodeio"
)

var uintKV = codec.New[uint64, uint64](codec.Uint64{}, codec.Uint64{})

func newMemTree(t *testing.T, arity int) *Tree[uint64, uint64] {
	t.Helper()

	tree, err := New(nodeio.NewMemStore[*Node[uint64, uint64]](), uintKV, Config{
		LeafArity:     arity,
		InternalArity: arity,
	})
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

func TestInsertFindReplace(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)

	_, found, err := tree.Find(1)
	require.NoError(t, err)
	assert.False(t, found)

	_, replaced, err := tree.Insert(1, 10)
	require.NoError(t, err)
	assert.False(t, replaced)

	old, replaced, err := tree.Insert(1, 11)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, uint64(10), old)

	v, err := tree.InsertIfAbsent(1, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v, "existing value wins")

	v, err = tree.InsertIfAbsent(2, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v)

	v, found, err = tree.Find(1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(11), v)
}

func TestInvalidConfiguration(t *testing.T) {
	t.Parallel()

	store := nodeio.NewMemStore[*Node[uint64, uint64]]()
	_, err := New(store, uintKV, Config{LeafArity: 2, InternalArity: 4})
	assert.ErrorIs(t, err, base.ErrInvalidConfiguration)

	bad := codec.New[string, uint64](codec.FixedString(0), codec.Uint64{})
	_, err = New(nodeio.NewMemStore[*Node[string, uint64]](), bad, Config{LeafArity: 4, InternalArity: 4})
	assert.ErrorIs(t, err, base.ErrInvalidConfiguration)
}

func TestLetterScenario(t *testing.T) {
	t.Parallel()

	kv := codec.New[string, uint64](codec.FixedString(4), codec.Uint64{})
	tree, err := New(nodeio.NewMemStore[*Node[string, uint64]](), kv, Config{LeafArity: 4, InternalArity: 4})
	require.NoError(t, err)

	for i, k := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"} {
		_, _, err := tree.Insert(k, uint64(i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.CheckInvariants())

	height, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 2, height)

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
	assert.Equal(t, uint64(1), tree.Stats().Redistributions)
}

func TestStructureUnderInsertOrders(t *testing.T) {
	t.Parallel()

	const n = 600
	orders := map[string]func() []uint64{
		"ascending": func() []uint64 {
			keys := make([]uint64, n)
			for i := range keys {
				keys[i] = uint64(i)
			}
			return keys
		},
		"descending": func() []uint64 {
			keys := make([]uint64, n)
			for i := range keys {
				keys[i] = uint64(n - 1 - i)
			}
			return keys
		},
		"random": func() []uint64 {
			rng := rand.New(rand.NewSource(42))
			keys := make([]uint64, n)
			for i, p := range rng.Perm(n) {
				keys[i] = uint64(p)
			}
			return keys
		},
	}

	for _, arity := range []int{3, 4, 7, 32} {
		arity := arity
		for name, order := range orders {
			order := order
			t.Run(fmt.Sprintf("%s/arity=%d", name, arity), func(t *testing.T) {
				t.Parallel()

				tree := newMemTree(t, arity)
				for i, k := range order() {
					_, _, err := tree.Insert(k, k*10)
					require.NoError(t, err)
					if i%50 == 0 {
						require.NoError(t, tree.CheckInvariants(), "after %d inserts", i+1)
					}
				}
				require.NoError(t, tree.CheckInvariants())

				for k := uint64(0); k < n; k++ {
					v, found, err := tree.Find(k)
					require.NoError(t, err)
					require.True(t, found, "key %d", k)
					assert.Equal(t, k*10, v)
				}

				keys := collect(t, tree.Iterator())
				require.Len(t, keys, n)
				assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] }))

				count, err := tree.Len()
				require.NoError(t, err)
				assert.Equal(t, n, count)
				assert.Positive(t, tree.Stats().RootGrowths)
			})
		}
	}
}

func TestDeleteUntilEmpty(t *testing.T) {
	t.Parallel()

	for _, arity := range []int{3, 4, 5, 16} {
		arity := arity
		t.Run(fmt.Sprintf("arity=%d", arity), func(t *testing.T) {
			t.Parallel()

			const n = 400
			rng := rand.New(rand.NewSource(int64(arity)))
			tree := newMemTree(t, arity)
			for _, p := range rng.Perm(n) {
				_, _, err := tree.Insert(uint64(p), uint64(p))
				require.NoError(t, err)
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
				assert.Equal(t, k, v)
				delete(live, k)

				if i%20 == 0 {
					require.NoError(t, tree.CheckInvariants(), "after deleting %d", k)
					_, found, err = tree.Find(k)
					require.NoError(t, err)
					assert.False(t, found)
				}
			}
			require.NoError(t, tree.CheckInvariants())

			_, found, err := tree.Delete(7)
			require.NoError(t, err)
			assert.False(t, found)

			height, err := tree.Height()
			require.NoError(t, err)
			assert.Equal(t, 1, height)
			assert.Empty(t, collect(t, tree.Iterator()))

			stats := tree.Stats()
			assert.Positive(t, stats.Merges)
			assert.Equal(t, stats.RootGrowths, stats.RootShrinks)
		})
	}
}

func TestDeleteHighKeys(t *testing.T) {
	t.Parallel()

	// Deleting from the top of each leaf tightens high keys all the way up.
	tree := newMemTree(t, 4)
	for k := uint64(0); k < 200; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}
	for k := uint64(199); k >= 100; k -= 3 {
		_, found, err := tree.Delete(k)
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, tree.CheckInvariants(), "after deleting %d", k)
	}

	keys := collect(t, tree.IterateFrom(95))
	require.NotEmpty(t, keys)
	assert.Equal(t, uint64(95), keys[0])
	assert.NotContains(t, keys, uint64(199))
	assert.Contains(t, keys, uint64(198))
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
			t.Parallel()

			keys := collect(t, tree.IterateFrom(tt.from))
			require.Len(t, keys, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, keys[0])
			}
		})
	}
}

func TestConcurrentInserts(t *testing.T) {
	t.Parallel()

	const (
		writers   = 8
		perWriter = 500
	)
	tree := newMemTree(t, 4)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := uint64(i*writers + w)
				if _, _, err := tree.Insert(k, k); err != nil {
					t.Error(err)
					return
				}
				if v, found, err := tree.Find(k); err != nil || !found || v != k {
					t.Errorf("find %d right after insert: %d %v %v", k, v, found, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, tree.CheckInvariants())
	keys := collect(t, tree.Iterator())
	require.Len(t, keys, writers*perWriter)
	for i, k := range keys {
		require.Equal(t, uint64(i), k)
	}
}

func TestConcurrentInsertsAndDeletes(t *testing.T) {
	t.Parallel()

	const n = 2000
	tree := newMemTree(t, 5)
	for k := uint64(0); k < n; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	// Deleters remove the odd keys; inserters add keys above n; readers
	// keep checking that the even keys stay visible.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for k := uint64(2*w + 1); k < n; k += 8 {
				if _, found, err := tree.Delete(k); err != nil || !found {
					t.Errorf("delete %d: %v %v", k, found, err)
					return
				}
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for k := n + uint64(w); k < 2*n; k += 4 {
				if _, _, err := tree.Insert(k, k); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(r)))
			for i := 0; i < 2000; i++ {
				k := uint64(rng.Intn(n/2)) * 2
				if _, found, err := tree.Find(k); err != nil || !found {
					t.Errorf("find %d: %v %v", k, found, err)
					return
				}
			}
		}(r)
	}
	wg.Wait()

	require.NoError(t, tree.CheckInvariants())
	count, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, n/2+n, count)
}

// overfill adds keys from next upwards to the locked leaf until it holds one
// entry too many, and returns the grown node and the keys added.
func overfill(tree *Tree[uint64, uint64], leaf *Node[uint64, uint64], next uint64) (*Node[uint64, uint64], []uint64) {
	var added []uint64
	for leaf.Len() <= tree.leafMax {
		leaf = leaf.withEntries(leaf.entries.Put(next, next))
		added = append(added, next)
		next++
	}
	return leaf, added
}

// A writer that recorded its ancestors while the tree was two levels high
// splits only after the root grew several levels. The recorded root no
// longer sits at the parent level, so the stack must be refilled by a fresh
// descent. A split with no recorded ancestors at all takes the same path.
func TestSplitRefillsStaleStack(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 4)
	count := 0
	for k := uint64(100); k <= 110; k += 2 {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
		count++
	}
	height, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 2, height)

	var stack []*Node[uint64, uint64]
	_, err = tree.findLeaf(0, &stack)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	require.Equal(t, tree.root, stack[0].addr)

	// Grow the root well past the recorded level
	for i := uint64(0); i < 200; i++ {
		_, _, err := tree.Insert(1000+10*i, i)
		require.NoError(t, err)
		count++
	}
	height, err = tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 4)

	tree.restructure.RLock()
	leaf, err := tree.lockLeaf(0, nil)
	require.NoError(t, err)
	grown, first := overfill(tree, leaf, 0)
	err = tree.split(grown, stack)
	tree.restructure.RUnlock()
	require.NoError(t, err, "split with a stale stack")
	count += len(first)

	// Empty stack on a leaf below the root
	tree.restructure.RLock()
	leaf, err = tree.lockLeaf(1500, nil)
	require.NoError(t, err)
	require.NotEqual(t, tree.root, leaf.addr)
	low, _, _ := leaf.entries.Min()
	grown, second := overfill(tree, leaf, low+1)
	err = tree.split(grown, nil)
	tree.restructure.RUnlock()
	require.NoError(t, err, "split with an empty stack")
	count += len(second)

	require.NoError(t, tree.CheckInvariants())
	n, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, count, n)

	for _, k := range append(first, second...) {
		v, ok, err := tree.Find(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		assert.Equal(t, k, v)
	}
}

func TestIteratorAcrossRestructuring(t *testing.T) {
	t.Parallel()

	const n = 3000
	tree := newMemTree(t, 4)
	for k := uint64(0); k < n; k += 2 {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	// Even keys are stable. Odd keys come and go while the iterators run.
	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		rng := rand.New(rand.NewSource(7))
		for {
			select {
			case <-stop:
				return
			default:
			}
			k := uint64(rng.Intn(n/2))*2 + 1
			if rng.Intn(2) == 0 {
				_, _, _ = tree.Insert(k, k)
			} else {
				_, _, _ = tree.Delete(k)
			}
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			it := tree.Iterator()
			var prev uint64
			next := uint64(0) // next stable key expected
			first := true
			for it.Next() {
				k := it.Key()
				if !first && k <= prev {
					t.Errorf("iterator went from %d to %d", prev, k)
					return
				}
				first, prev = false, k
				if k%2 == 0 {
					if k != next {
						t.Errorf("stable key %d missed, got %d", next, k)
						return
					}
					next += 2
				}
			}
			if err := it.Err(); err != nil {
				t.Error(err)
				return
			}
			if next != n {
				t.Errorf("iteration stopped at %d", next)
			}
		}()
	}
	wg.Wait()
	close(stop)
	churn.Wait()

	require.NoError(t, tree.CheckInvariants())
}

func TestDump(t *testing.T) {
	t.Parallel()

	tree := newMemTree(t, 3)
	for k := uint64(1); k <= 10; k++ {
		_, _, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, tree.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "digraph blink {")
	assert.Contains(t, out, "style=dashed")
	assert.Contains(t, out, fmt.Sprintf("n%d [label=", base.RootAddress))
}

func TestNodeCodec(t *testing.T) {
	t.Parallel()

	c := NewCodec(uintKV)
	leafCap, internalCap := c.Capacity(256)
	// 256 - 8 checksum - 21 header, 16 bytes per entry of either kind
	assert.Equal(t, 14, leafCap)
	assert.Equal(t, 14, internalCap)

	tree := newMemTree(t, 4)
	for k := uint64(0); k < 20; k++ {
		_, _, err := tree.Insert(k, k+100)
		require.NoError(t, err)
	}
	leaf, err := tree.findLeaf(0, nil)
	require.NoError(t, err)
	root, err := tree.read(tree.root)
	require.NoError(t, err)

	for _, n := range []*Node[uint64, uint64]{leaf, root} {
		page := make([]byte, 256)
		require.NoError(t, c.Encode(n, base.Body(page)))
		base.Seal(page)
		require.NoError(t, base.Verify(page))

		got, err := c.Decode(n.addr, base.Body(page))
		require.NoError(t, err)
		assert.Equal(t, n.leaf, got.leaf)
		assert.Equal(t, n.level, got.level)
		assert.Equal(t, n.hasHigh, got.hasHigh)
		assert.Equal(t, n.high, got.high)
		assert.Equal(t, n.right, got.right)
		if n.leaf {
			wantK, wantV := n.entries.Entries()
			gotK, gotV := got.entries.Entries()
			assert.Equal(t, wantK, gotK)
			assert.Equal(t, wantV, gotV)
		} else {
			wantS, wantA := n.children.Entries()
			gotS, gotA := got.children.Entries()
			assert.Equal(t, wantS, gotS)
			assert.Equal(t, wantA, gotA)
		}
	}

	big := make([]byte, 64)
	assert.Error(t, c.Encode(root, big[:20]))
}
