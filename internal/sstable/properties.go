// properties.go encodes the table properties block: aggregate facts a
// reader or the compaction picker needs without touching data blocks.
package sstable

import (
	"errors"

	"github.com/slabdb/slab/internal/encoding"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrBadProperties is returned when the properties block fails to decode.
var ErrBadProperties = errors.New("sstable: bad properties block")

// Properties summarizes a table file.
type Properties struct {
	NumEntries    uint64
	NumTombstones uint64
	SmallestKey   []byte // user key
	LargestKey    []byte // user key
	MaxSequence   keyfmt.Sequence
	DataSize      uint64 // bytes of data blocks, trailers included
}

// Encode returns the block body for the properties.
func (p *Properties) Encode() []byte {
	dst := make([]byte, 0, 64+len(p.SmallestKey)+len(p.LargestKey))
	dst = encoding.AppendVarint64(dst, p.NumEntries)
	dst = encoding.AppendVarint64(dst, p.NumTombstones)
	dst = encoding.AppendLengthPrefixedSlice(dst, p.SmallestKey)
	dst = encoding.AppendLengthPrefixedSlice(dst, p.LargestKey)
	dst = encoding.AppendVarint64(dst, uint64(p.MaxSequence))
	dst = encoding.AppendVarint64(dst, p.DataSize)
	return dst
}

// DecodeProperties parses a block body produced by Encode.
func DecodeProperties(data []byte) (*Properties, error) {
	s := encoding.NewSlice(data)
	p := &Properties{}
	numEntries, ok := s.GetVarint64()
	if !ok {
		return nil, ErrBadProperties
	}
	numTombstones, ok := s.GetVarint64()
	if !ok {
		return nil, ErrBadProperties
	}
	smallest, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, ErrBadProperties
	}
	largest, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, ErrBadProperties
	}
	maxSeq, ok := s.GetVarint64()
	if !ok {
		return nil, ErrBadProperties
	}
	dataSize, ok := s.GetVarint64()
	if !ok {
		return nil, ErrBadProperties
	}
	p.NumEntries = numEntries
	p.NumTombstones = numTombstones
	p.SmallestKey = append([]byte(nil), smallest...)
	p.LargestKey = append([]byte(nil), largest...)
	p.MaxSequence = keyfmt.Sequence(maxSeq)
	p.DataSize = dataSize
	return p, nil
}
