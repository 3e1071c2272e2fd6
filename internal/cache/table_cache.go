// Package cache keeps recently used table readers open so point reads
// do not pay an open-and-parse-footer cost per lookup.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/sstable"
	"github.com/slabdb/slab/internal/vfs"
)

// DefaultMaxOpenTables bounds the number of cached open readers.
const DefaultMaxOpenTables = 500

// TableCache is a refcounted LRU of open table readers keyed by file
// number. Eviction closes the underlying file only once no caller still
// holds the reader.
type TableCache struct {
	mu      sync.Mutex
	dir     string
	fs      vfs.FS
	maxOpen int

	table map[uint64]*list.Element
	lru   *list.List

	// draining holds evicted-but-pinned entries until their last
	// Release closes them.
	draining map[*tableEntry]struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

type tableEntry struct {
	number uint64
	reader *sstable.Reader
	file   vfs.RandomAccessFile
	refs   int
}

// NewTableCache creates a cache over tables in dir. maxOpen <= 0 uses
// DefaultMaxOpenTables.
func NewTableCache(dir string, fs vfs.FS, maxOpen int) *TableCache {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenTables
	}
	return &TableCache{
		dir:     dir,
		fs:      fs,
		maxOpen: maxOpen,
		table:   make(map[uint64]*list.Element),
		lru:     list.New(),
	}
}

// Get returns an open reader for the numbered table, pinned for the
// caller. Release must be called with the same number when done.
func (tc *TableCache) Get(number uint64) (*sstable.Reader, error) {
	tc.mu.Lock()
	if elem, ok := tc.table[number]; ok {
		ent := elem.Value.(*tableEntry)
		ent.refs++
		tc.lru.MoveToFront(elem)
		tc.hits.Add(1)
		tc.mu.Unlock()
		return ent.reader, nil
	}
	tc.mu.Unlock()
	tc.misses.Add(1)

	// Open outside the lock; lookups on other files proceed.
	file, err := tc.fs.OpenRandomAccess(filename.TableFileName(tc.dir, number))
	if err != nil {
		return nil, err
	}
	reader, err := sstable.Open(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if elem, ok := tc.table[number]; ok {
		// Lost the race; keep the established entry.
		_ = file.Close()
		ent := elem.Value.(*tableEntry)
		ent.refs++
		tc.lru.MoveToFront(elem)
		return ent.reader, nil
	}
	ent := &tableEntry{number: number, reader: reader, file: file, refs: 1}
	tc.table[number] = tc.lru.PushFront(ent)
	for tc.lru.Len() > tc.maxOpen {
		tc.evictOldest()
	}
	return reader, nil
}

// Release unpins a reader obtained from Get.
func (tc *TableCache) Release(number uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if elem, ok := tc.table[number]; ok {
		ent := elem.Value.(*tableEntry)
		if ent.refs > 0 {
			ent.refs--
		}
		return
	}
	// Entry was evicted while pinned; find it among the drained.
	for ent := range tc.draining {
		if ent.number == number {
			ent.refs--
			if ent.refs <= 0 {
				_ = ent.file.Close()
				delete(tc.draining, ent)
			}
			return
		}
	}
}

// Evict drops a table from the cache, closing it once unpinned. Called
// after the obsolete-file sweep removes the file.
func (tc *TableCache) Evict(number uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if elem, ok := tc.table[number]; ok {
		tc.removeLocked(elem)
	}
}

// Stats returns hit and miss counts.
func (tc *TableCache) Stats() (hits, misses uint64) {
	return tc.hits.Load(), tc.misses.Load()
}

// Close drops every entry. Pinned readers close when released.
func (tc *TableCache) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for tc.lru.Len() > 0 {
		tc.removeLocked(tc.lru.Back())
	}
}

// evictOldest removes the least recently used entry.
// REQUIRES: tc.mu held.
func (tc *TableCache) evictOldest() {
	if back := tc.lru.Back(); back != nil {
		tc.removeLocked(back)
	}
}

// removeLocked detaches an entry, closing it now or deferring to the
// final Release.
// REQUIRES: tc.mu held.
func (tc *TableCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*tableEntry)
	tc.lru.Remove(elem)
	delete(tc.table, ent.number)
	if ent.refs <= 0 {
		_ = ent.file.Close()
		return
	}
	if tc.draining == nil {
		tc.draining = make(map[*tableEntry]struct{})
	}
	tc.draining[ent] = struct{}{}
}
