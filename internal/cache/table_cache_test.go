package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/sstable"
	"github.com/slabdb/slab/internal/vfs"
)

// writeTable builds a one-key table file so the cache has something
// real to open.
func writeTable(t *testing.T, dir string, num uint64) {
	t.Helper()
	f, err := vfs.Default().Create(filename.TableFileName(dir, num))
	require.NoError(t, err)
	b := sstable.NewBuilder(f, sstable.DefaultBuilderOptions())
	key := keyfmt.MakeInternalKey(fmt.Appendf(nil, "key-%d", num), keyfmt.Sequence(num), keyfmt.KindSet)
	require.NoError(t, b.Add(key, []byte("value")))
	require.NoError(t, b.Finish())
	require.NoError(t, f.Close())
}

func TestGetHitAndMiss(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1)

	tc := NewTableCache(dir, vfs.Default(), 4)
	defer tc.Close()

	r1, err := tc.Get(1)
	require.NoError(t, err)
	require.NotNil(t, r1)
	r2, err := tc.Get(1)
	require.NoError(t, err)
	require.Same(t, r1, r2, "second lookup reuses the open reader")
	tc.Release(1)
	tc.Release(1)

	hits, misses := tc.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestGetMissingFile(t *testing.T) {
	tc := NewTableCache(t.TempDir(), vfs.Default(), 4)
	defer tc.Close()
	_, err := tc.Get(99)
	require.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	dir := t.TempDir()
	for num := uint64(1); num <= 3; num++ {
		writeTable(t, dir, num)
	}

	tc := NewTableCache(dir, vfs.Default(), 2)
	defer tc.Close()

	for num := uint64(1); num <= 3; num++ {
		_, err := tc.Get(num)
		require.NoError(t, err)
		tc.Release(num)
	}

	// Capacity 2: table 1 was evicted, tables 2 and 3 remain cached.
	_, _ = tc.Get(2)
	tc.Release(2)
	_, err := tc.Get(1)
	require.NoError(t, err)
	tc.Release(1)

	hits, misses := tc.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(4), misses)
}

// An evicted reader stays usable until its last pin is released.
func TestEvictWhilePinned(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1)

	tc := NewTableCache(dir, vfs.Default(), 4)
	defer tc.Close()

	r, err := tc.Get(1)
	require.NoError(t, err)
	tc.Evict(1)

	// The pinned reader still serves reads.
	value, kind, found, err := r.Get([]byte("key-1"), keyfmt.MaxSequence)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keyfmt.KindSet, kind)
	require.Equal(t, []byte("value"), value)

	tc.Release(1)

	// A fresh Get reopens the file.
	_, err = tc.Get(1)
	require.NoError(t, err)
	tc.Release(1)
	hits, _ := tc.Stats()
	require.Zero(t, hits)
}

func TestEvictUnknownNumberIsNoop(t *testing.T) {
	tc := NewTableCache(t.TempDir(), vfs.Default(), 4)
	defer tc.Close()
	tc.Evict(42)
	tc.Release(42)
}
