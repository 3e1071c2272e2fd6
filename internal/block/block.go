// block.go decodes blocks produced by Builder.
//
// Every decode step validates offsets against the block length before
// dereferencing, so a corrupt block surfaces as ErrCorruptBlock rather
// than a panic.
package block

import (
	"errors"

	"github.com/slabdb/slab/internal/encoding"
)

// ErrCorruptBlock is returned when a block's structure fails to decode.
var ErrCorruptBlock = errors.New("block: corrupt block contents")

// Block is a decoded, immutable block ready for iteration.
type Block struct {
	data        []byte // entries only, restart array excluded
	restarts    []uint32
	compare     func(a, b []byte) int
	numRestarts int
}

// NewBlock validates the trailer structure of contents and wraps it.
// compare orders the keys stored in the block.
func NewBlock(contents []byte, compare func(a, b []byte) int) (*Block, error) {
	if len(contents) < 4 {
		return nil, ErrCorruptBlock
	}
	numRestarts := int(encoding.DecodeFixed32(contents[len(contents)-4:]))
	restartsLen := numRestarts * 4
	if numRestarts == 0 || restartsLen+4 > len(contents) {
		return nil, ErrCorruptBlock
	}
	restartsStart := len(contents) - 4 - restartsLen
	restarts := make([]uint32, numRestarts)
	for i := 0; i < numRestarts; i++ {
		restarts[i] = encoding.DecodeFixed32(contents[restartsStart+i*4:])
		if int(restarts[i]) > restartsStart {
			return nil, ErrCorruptBlock
		}
	}
	return &Block{
		data:        contents[:restartsStart],
		restarts:    restarts,
		compare:     compare,
		numRestarts: numRestarts,
	}, nil
}

// NewIterator creates an unpositioned iterator over the block.
func (b *Block) NewIterator() *Iter {
	return &Iter{block: b, offset: -1}
}

// Iter iterates a block in key order.
type Iter struct {
	block  *Block
	offset int // entry offset, -1 when unpositioned
	next   int // offset of the entry after the current one
	key    []byte
	value  []byte
	err    error
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iter) Valid() bool {
	return it.offset >= 0 && it.err == nil
}

// Key returns the full key at the current position.
func (it *Iter) Key() []byte { return it.key }

// Value returns the value at the current position.
func (it *Iter) Value() []byte { return it.value }

// Error returns the decode error that invalidated the iterator, if any.
func (it *Iter) Error() error { return it.err }

// SeekToFirst positions at the first entry.
func (it *Iter) SeekToFirst() {
	it.err = nil
	it.seekToRestart(0)
	it.parseNext()
}

// Seek positions at the first entry with key >= target.
func (it *Iter) Seek(target []byte) {
	it.err = nil
	// Binary search restart points for the last restart whose key < target.
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		key, ok := it.block.restartKey(mid)
		if !ok {
			it.corrupt()
			return
		}
		if it.block.compare(key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestart(left)
	for it.parseNext() {
		if it.block.compare(it.key, target) >= 0 {
			return
		}
	}
}

// Next advances to the next entry.
// REQUIRES: Valid().
func (it *Iter) Next() {
	it.parseNext()
}

func (it *Iter) seekToRestart(index int) {
	it.offset = -1
	it.next = int(it.block.restarts[index])
	it.key = it.key[:0]
}

func (it *Iter) corrupt() {
	it.offset = -1
	it.err = ErrCorruptBlock
}

// parseNext decodes the entry at it.next. Returns false at block end or
// on corruption.
func (it *Iter) parseNext() bool {
	if it.err != nil {
		return false
	}
	if it.next >= len(it.block.data) {
		it.offset = -1
		return false
	}

	s := encoding.NewSlice(it.block.data[it.next:])
	shared, ok1 := s.GetVarint32()
	unshared, ok2 := s.GetVarint32()
	valueLen, ok3 := s.GetVarint32()
	if !ok1 || !ok2 || !ok3 {
		it.corrupt()
		return false
	}
	if int(shared) > len(it.key) {
		it.corrupt()
		return false
	}
	keyDelta, ok := s.GetBytes(int(unshared))
	if !ok {
		it.corrupt()
		return false
	}
	value, ok := s.GetBytes(int(valueLen))
	if !ok {
		it.corrupt()
		return false
	}

	it.key = append(it.key[:int(shared)], keyDelta...)
	it.value = value
	it.offset = it.next
	it.next += len(it.block.data[it.next:]) - s.Remaining()
	return true
}

// restartKey decodes the full key stored at a restart point.
func (b *Block) restartKey(index int) ([]byte, bool) {
	offset := int(b.restarts[index])
	if offset >= len(b.data) {
		return nil, false
	}
	s := encoding.NewSlice(b.data[offset:])
	shared, ok1 := s.GetVarint32()
	unshared, ok2 := s.GetVarint32()
	_, ok3 := s.GetVarint32()
	if !ok1 || !ok2 || !ok3 || shared != 0 {
		// A restart entry always stores the full key.
		return nil, false
	}
	key, ok := s.GetBytes(int(unshared))
	if !ok {
		return nil, false
	}
	return key, true
}
