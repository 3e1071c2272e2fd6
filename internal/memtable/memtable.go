// Package memtable implements the in-memory write buffer.
//
// A MemTable maps internal keys to values in an arena skip list. It is
// mutable while active and becomes read-only once frozen for flushing;
// the freeze is an atomic flag flip, so concurrent readers and the flush
// task keep scanning it unchanged while new writes go to a fresh table.
package memtable

import (
	"errors"
	"sync/atomic"

	"github.com/slabdb/slab/internal/arenaskl"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrFrozen is returned for writes against a frozen table.
var ErrFrozen = errors.New("memtable: table is frozen")

// MemTable is a sorted in-memory buffer of recent writes.
type MemTable struct {
	list *arenaskl.SkipList

	// logNumber is the WAL segment holding this table's records. The
	// segment may only be deleted after the table is flushed.
	logNumber uint64

	frozen atomic.Bool
}

// New creates an empty memtable covering the given WAL segment.
func New(logNumber uint64) *MemTable {
	return &MemTable{
		list:      arenaskl.New(keyfmt.Compare),
		logNumber: logNumber,
	}
}

// LogNumber returns the WAL segment number this table's writes live in.
func (m *MemTable) LogNumber() uint64 {
	return m.logNumber
}

// Insert adds a value entry for key at seq.
func (m *MemTable) Insert(key, value []byte, seq keyfmt.Sequence) error {
	return m.add(key, value, seq, keyfmt.KindSet)
}

// Remove adds a tombstone for key at seq.
func (m *MemTable) Remove(key []byte, seq keyfmt.Sequence) error {
	return m.add(key, nil, seq, keyfmt.KindDelete)
}

func (m *MemTable) add(key, value []byte, seq keyfmt.Sequence, kind keyfmt.Kind) error {
	if m.frozen.Load() {
		return ErrFrozen
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.list.Add(keyfmt.MakeInternalKey(key, seq, kind), v)
	return nil
}

// Get returns the newest entry for key visible at seq.
// found=false means the table holds nothing for the key; a tombstone is
// reported with kind == KindDelete so the caller stops the lookup there.
func (m *MemTable) Get(key []byte, seq keyfmt.Sequence) (value []byte, kind keyfmt.Kind, found bool) {
	it := m.list.NewIterator()
	it.Seek(keyfmt.MakeSeekKey(key, seq))
	if !it.Valid() {
		return nil, 0, false
	}
	ik := keyfmt.InternalKey(it.Key())
	if keyfmt.CompareUserKeys(ik.UserKey(), key) != 0 {
		return nil, 0, false
	}
	return it.Value(), ik.Kind(), true
}

// Freeze converts the table to read-only. Idempotent.
func (m *MemTable) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether the table is read-only.
func (m *MemTable) Frozen() bool {
	return m.frozen.Load()
}

// ApproximateMemoryUsage returns the bytes held by the table.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	return m.list.MemoryUsage()
}

// Empty reports whether the table holds no entries.
func (m *MemTable) Empty() bool {
	return m.list.Count() == 0
}

// Count returns the number of entries, tombstones included.
func (m *MemTable) Count() int64 {
	return m.list.Count()
}

// Iterator walks the table in internal key order. Key() is an encoded
// internal key; Value() is the raw value (empty for tombstones).
type Iterator struct {
	it *arenaskl.Iterator
}

// NewIterator creates an unpositioned iterator over the table. The
// iterator stays valid across a concurrent Freeze.
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{it: m.list.NewIterator()}
}

// Valid reports whether the iterator is positioned at an entry.
func (i *Iterator) Valid() bool { return i.it.Valid() }

// Key returns the encoded internal key at the current position.
func (i *Iterator) Key() []byte { return i.it.Key() }

// Value returns the value at the current position.
func (i *Iterator) Value() []byte { return i.it.Value() }

// Next advances the iterator.
func (i *Iterator) Next() { i.it.Next() }

// Seek positions at the first entry with internal key >= target.
func (i *Iterator) Seek(target []byte) { i.it.Seek(target) }

// SeekToFirst positions at the first entry.
func (i *Iterator) SeekToFirst() { i.it.SeekToFirst() }

// Error always returns nil; in-memory iteration cannot fail.
func (i *Iterator) Error() error { return nil }
