package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/keyfmt"
)

func TestEmpty(t *testing.T) {
	m := New(1)
	require.True(t, m.Empty())
	require.Zero(t, m.Count())
	require.Equal(t, uint64(1), m.LogNumber())

	_, _, found := m.Get([]byte("k"), keyfmt.MaxSequence)
	require.False(t, found)
}

func TestInsertAndGet(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Insert([]byte("k1"), []byte("v1"), 1))
	require.NoError(t, m.Insert([]byte("k2"), []byte("v2"), 2))

	value, kind, found := m.Get([]byte("k1"), keyfmt.MaxSequence)
	require.True(t, found)
	require.Equal(t, keyfmt.KindSet, kind)
	require.Equal(t, []byte("v1"), value)

	_, _, found = m.Get([]byte("k3"), keyfmt.MaxSequence)
	require.False(t, found)
}

// The newest entry at or below the read sequence wins; newer entries
// are invisible.
func TestSequenceVisibility(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Insert([]byte("k"), []byte("old"), 5))
	require.NoError(t, m.Insert([]byte("k"), []byte("new"), 10))

	value, _, found := m.Get([]byte("k"), 20)
	require.True(t, found)
	require.Equal(t, []byte("new"), value)

	value, _, found = m.Get([]byte("k"), 7)
	require.True(t, found)
	require.Equal(t, []byte("old"), value)

	_, _, found = m.Get([]byte("k"), 3)
	require.False(t, found, "entry from the future must be invisible")
}

// A tombstone is found: it reports the deletion rather than falling
// through to older data.
func TestRemoveShadowsOlderInsert(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Insert([]byte("k"), []byte("v"), 1))
	require.NoError(t, m.Remove([]byte("k"), 2))

	_, kind, found := m.Get([]byte("k"), keyfmt.MaxSequence)
	require.True(t, found)
	require.Equal(t, keyfmt.KindDelete, kind)

	// Reading below the tombstone still sees the value.
	value, kind, found := m.Get([]byte("k"), 1)
	require.True(t, found)
	require.Equal(t, keyfmt.KindSet, kind)
	require.Equal(t, []byte("v"), value)
}

func TestFreezeRejectsWrites(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Insert([]byte("k"), []byte("v"), 1))
	m.Freeze()
	require.True(t, m.Frozen())

	require.Error(t, m.Insert([]byte("k2"), []byte("v2"), 2))
	require.Error(t, m.Remove([]byte("k"), 3))

	// Reads and iteration still work on the frozen table.
	value, _, found := m.Get([]byte("k"), keyfmt.MaxSequence)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)
}

func TestIteratorOrder(t *testing.T) {
	m := New(1)
	for i := 99; i >= 0; i-- {
		require.NoError(t, m.Insert(fmt.Appendf(nil, "key-%03d", i), []byte("v"), keyfmt.Sequence(100-i)))
	}

	it := m.NewIterator()
	n := 0
	var prev []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			require.Negative(t, keyfmt.Compare(prev, it.Key()))
		}
		prev = append(prev[:0], it.Key()...)
		n++
	}
	require.Equal(t, 100, n)
}

func TestApproximateMemoryUsage(t *testing.T) {
	m := New(1)
	before := m.ApproximateMemoryUsage()
	require.NoError(t, m.Insert(make([]byte, 1024), make([]byte, 1024), 1))
	require.Greater(t, m.ApproximateMemoryUsage(), before)
}
