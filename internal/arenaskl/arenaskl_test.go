package arenaskl

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	sl := New(bytes.Compare)
	require.Zero(t, sl.Count())

	_, found := sl.Get([]byte("missing"))
	require.False(t, found)

	it := sl.NewIterator()
	it.SeekToFirst()
	require.False(t, it.Valid())
}

func TestAddAndGet(t *testing.T) {
	sl := New(bytes.Compare)
	sl.Add([]byte("b"), []byte("2"))
	sl.Add([]byte("a"), []byte("1"))
	sl.Add([]byte("c"), []byte("3"))

	require.Equal(t, int64(3), sl.Count())
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		v, found := sl.Get([]byte(kv[0]))
		require.True(t, found, kv[0])
		require.Equal(t, []byte(kv[1]), v)
	}
	_, found := sl.Get([]byte("d"))
	require.False(t, found)
}

func TestIterationOrder(t *testing.T) {
	sl := New(bytes.Compare)
	keys := rand.New(rand.NewSource(1)).Perm(500)
	for _, k := range keys {
		key := fmt.Appendf(nil, "key-%04d", k)
		sl.Add(key, key)
	}

	it := sl.NewIterator()
	var prev []byte
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, it.Key()))
		}
		prev = append(prev[:0], it.Key()...)
		n++
	}
	require.Equal(t, 500, n)
}

func TestSeek(t *testing.T) {
	sl := New(bytes.Compare)
	for i := 0; i < 100; i += 2 {
		sl.Add(fmt.Appendf(nil, "k%03d", i), nil)
	}

	it := sl.NewIterator()
	it.Seek([]byte("k051"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("k052"), it.Key())

	it.Seek([]byte("k098"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("k098"), it.Key())

	it.Seek([]byte("k099"))
	require.False(t, it.Valid())
}

func TestMemoryUsageGrows(t *testing.T) {
	sl := New(bytes.Compare)
	before := sl.MemoryUsage()
	sl.Add(bytes.Repeat([]byte("k"), 1000), bytes.Repeat([]byte("v"), 1000))
	require.Greater(t, sl.MemoryUsage(), before)
}

// One writer, many readers. Readers must always observe a consistent
// ordered list while the writer appends.
func TestConcurrentReadersDuringWrites(t *testing.T) {
	sl := New(bytes.Compare)
	const total = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it := sl.NewIterator()
				var prev []byte
				for it.SeekToFirst(); it.Valid(); it.Next() {
					if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
						t.Error("out-of-order keys observed by reader")
						return
					}
					prev = append(prev[:0], it.Key()...)
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		sl.Add(fmt.Appendf(nil, "key-%06d", i), []byte("v"))
	}
	close(stop)
	wg.Wait()

	require.Equal(t, int64(total), sl.Count())
}
