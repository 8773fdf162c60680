package bptree

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/buffer"
	"github.com/sushant-115/gojodb-indexcore/internal/storage/diskmanager"
)

const testPageSize = 512

// testEnv bundles a disk manager and buffer pool over a temp file, so a
// test can close and reopen an index against the same on-disk state.
type testEnv struct {
	t        *testing.T
	path     string
	pageSize int
	poolSize int
	disk     *diskmanager.Manager
	pool     *buffer.PoolManager
}

func newTestEnv(t *testing.T, poolSize int) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	e := &testEnv{t: t, path: path, pageSize: testPageSize, poolSize: poolSize}
	e.open()
	return e
}

func (e *testEnv) open() {
	e.t.Helper()
	disk, err := diskmanager.Open(e.path, e.pageSize, zap.NewNop())
	require.NoError(e.t, err)
	e.disk = disk
	e.pool = buffer.New(e.poolSize, e.pageSize, disk, nil, zap.NewNop())
}

func (e *testEnv) reopen() {
	e.t.Helper()
	require.NoError(e.t, e.pool.FlushAll())
	require.NoError(e.t, e.disk.Close())
	e.open()
}

func newTestIndex(t *testing.T, e *testEnv, leafMax, internalMax int) *Index[string, string] {
	t.Helper()
	idx, err := NewIndex[string, string](Options[string, string]{
		Name:            "test",
		LeafMaxSize:     leafMax,
		InternalMaxSize: internalMax,
		Pool:            e.pool,
		Compare:         CompareStrings,
		KeyCodec:        StringCodec(),
		ValueCodec:      StringValueCodec(),
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	return idx
}

func k(i int) string { return fmt.Sprintf("key-%04d", i) }

func TestIndexInsertAndGetValue(t *testing.T) {
	e := newTestEnv(t, 32)
	idx := newTestIndex(t, e, 4, 4)

	for i := 0; i < 20; i++ {
		ok, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 20, idx.Size())

	for i := 0; i < 20; i++ {
		v, found, err := idx.GetValue(k(i), nil)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, k(i), v)
	}

	_, found, err := idx.GetValue("missing", nil)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexDuplicateRejected(t *testing.T) {
	e := newTestEnv(t, 32)
	idx := newTestIndex(t, e, 4, 4)

	ok, err := idx.Insert("a", "first", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = idx.Insert("a", "second", nil)
	require.NoError(t, err)
	require.False(t, ok, "duplicate insert must be rejected, not overwrite")

	v, found, err := idx.GetValue("a", nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", v)
	require.Equal(t, 1, idx.Size())
}

func TestIndexSplitCascadesToNewRoot(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	const n = 200
	for i := 0; i < n; i++ {
		ok, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, n, idx.Size())

	for i := 0; i < n; i++ {
		v, found, err := idx.GetValue(k(i), nil)
		require.NoError(t, err)
		require.True(t, found, "key %s missing after enough inserts to force multiple split levels", k(i))
		require.Equal(t, k(i), v)
	}
}

func TestIndexRemoveRedistributeAndCoalesce(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	const n = 100
	for i := 0; i < n; i++ {
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}

	// Remove every other key: forces both redistribute (a sibling still
	// has slack) and coalesce (neither does) at various points in the
	// tree as the remaining population thins out.
	removed := map[int]bool{}
	for i := 0; i < n; i += 2 {
		ok, err := idx.Remove(k(i), nil)
		require.NoError(t, err)
		require.True(t, ok)
		removed[i] = true
	}
	require.Equal(t, n/2, idx.Size())

	for i := 0; i < n; i++ {
		v, found, err := idx.GetValue(k(i), nil)
		require.NoError(t, err)
		if removed[i] {
			require.False(t, found, "key %s should have been removed", k(i))
			continue
		}
		require.True(t, found, "key %s should survive", k(i))
		require.Equal(t, k(i), v)
	}
}

func TestIndexRemoveAllCollapsesToEmpty(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		ok, err := idx.Remove(k(i), nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.True(t, idx.IsEmpty())
	require.Equal(t, 0, idx.Size())

	_, found, err := idx.GetValue(k(0), nil)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexRemoveMissingKeyIsNoop(t *testing.T) {
	e := newTestEnv(t, 32)
	idx := newTestIndex(t, e, 4, 4)

	_, err := idx.Insert("a", "a", nil)
	require.NoError(t, err)

	ok, err := idx.Remove("nope", nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, idx.Size())
}

func TestIndexIteratorAscendingOrder(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	const n = 80
	order := []int{}
	for i := 0; i < n; i++ {
		order = append(order, i)
	}
	// Insert out of sorted order to make sure iteration order comes from
	// the tree structure, not insertion order.
	shuffled := append([]int(nil), order...)
	for i := range shuffled {
		j := (i*37 + 11) % len(shuffled)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	for _, i := range shuffled {
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}

	var got []string
	it := idx.Begin()
	for it.Next() {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Err())
	it.Close()

	var want []string
	for i := 0; i < n; i++ {
		want = append(want, k(i))
	}
	require.True(t, sort.StringsAreSorted(got))
	require.Equal(t, want, got)
}

func TestIndexIteratorBeginAt(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	for i := 0; i < 50; i += 2 { // only even keys exist
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}

	it := idx.BeginAt(k(13)) // odd, absent -> first entry >= it is k(14)
	require.True(t, it.Next())
	require.Equal(t, k(14), it.Key())
	it.Close()
}

func TestIndexConcurrentReadersDuringInsert(t *testing.T) {
	e := newTestEnv(t, 128)
	idx := newTestIndex(t, e, 8, 8)

	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := idx.Insert(k(i), k(i), nil)
			require.NoError(t, err)
		}
	}()

	var readerWg sync.WaitGroup
	for r := 0; r < 8; r++ {
		readerWg.Add(1)
		go func() {
			defer readerWg.Done()
			for i := 0; i < n; i++ {
				// A concurrent reader may legitimately see "not found" for
				// a key the writer hasn't reached yet; it must never see
				// an error or a wrong value.
				v, found, err := idx.GetValue(k(i), nil)
				require.NoError(t, err)
				if found {
					require.Equal(t, k(i), v)
				}
			}
		}()
	}
	wg.Wait()
	readerWg.Wait()

	require.Equal(t, n, idx.Size())
}

func TestIndexHeightGrowsAndShrinks(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	require.Equal(t, 0, idx.Height(), "a fresh empty tree has height 0")

	const n = 200
	for i := 0; i < n; i++ {
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}
	require.Greater(t, idx.Height(), 0, "enough inserts to force splits must grow the tree's height")

	for i := 0; i < n; i++ {
		_, err := idx.Remove(k(i), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 0, idx.Height(), "removing every entry must collapse the tree back to height 0")
	require.True(t, idx.IsEmpty())
}

func TestIndexReopenRecoversSize(t *testing.T) {
	e := newTestEnv(t, 64)
	idx := newTestIndex(t, e, 4, 4)

	const n = 60
	for i := 0; i < n; i++ {
		_, err := idx.Insert(k(i), k(i), nil)
		require.NoError(t, err)
	}

	e.reopen()
	idx2 := newTestIndex(t, e, 4, 4)
	require.Equal(t, n, idx2.Size())

	for i := 0; i < n; i++ {
		v, found, err := idx2.GetValue(k(i), nil)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, k(i), v)
	}
}
