// Package iterator defines the iteration contract shared by the
// memtable, table readers and compaction, plus a k-way merging iterator.
package iterator

// Iterator is a forward cursor over sorted key/value entries. An
// iterator starts unpositioned; call Seek or SeekToFirst before use.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	// REQUIRES: Valid().
	Next()

	// Key returns the key at the current position.
	// REQUIRES: Valid().
	Key() []byte

	// Value returns the value at the current position.
	// REQUIRES: Valid().
	Value() []byte

	// Error returns the first error the iterator encountered, if any.
	// An iterator that hit an error becomes invalid.
	Error() error
}
