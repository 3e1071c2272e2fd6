// Package filter provides the bloom filters stored in table files.
//
// A filter summarizes every user key in a table. A negative probe proves
// the key is absent, letting reads skip the file without any block I/O.
// The false-positive rate is configurable per table.
package filter

import (
	"errors"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFalsePositiveRate is used when the configured rate is zero.
const DefaultFalsePositiveRate = 0.01

// ErrCorruptFilter is returned when a filter block cannot be decoded.
var ErrCorruptFilter = errors.New("filter: corrupt bloom filter block")

// Builder accumulates keys and produces an encoded bloom filter block.
// The bit array is sized from the final key count, so keys are buffered
// until Finish.
type Builder struct {
	fpRate float64
	keys   [][]byte
}

// NewBuilder creates a builder targeting the given false-positive rate.
func NewBuilder(fpRate float64) *Builder {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Builder{fpRate: fpRate}
}

// AddKey records a user key. Duplicate keys are harmless.
func (b *Builder) AddKey(key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	b.keys = append(b.keys, k)
}

// NumKeys returns the number of keys recorded so far.
func (b *Builder) NumKeys() int {
	return len(b.keys)
}

// Finish builds the filter over all recorded keys and returns its
// binary encoding.
func (b *Builder) Finish() ([]byte, error) {
	n := uint(len(b.keys))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, b.fpRate)
	for _, k := range b.keys {
		f.Add(k)
	}
	return f.MarshalBinary()
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.keys = b.keys[:0]
}

// Reader probes an encoded bloom filter block.
type Reader struct {
	f *bloom.BloomFilter
}

// NewReader decodes a filter block produced by Builder.Finish.
func NewReader(data []byte) (*Reader, error) {
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, ErrCorruptFilter
	}
	return &Reader{f: f}, nil
}

// MayContain returns false only if the key is definitely not in the
// table the filter was built for.
func (r *Reader) MayContain(key []byte) bool {
	return r.f.Test(key)
}
