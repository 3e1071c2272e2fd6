// record.go defines the logical write record carried in WAL payloads.
package wal

import (
	"errors"

	"github.com/slabdb/slab/internal/encoding"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrMalformedRecord is returned when a payload does not decode as a
// write record.
var ErrMalformedRecord = errors.New("wal: malformed write record")

// Record is one durable write: a set or a delete at a sequence number.
//
// Payload encoding:
//
//	varint64  sequence
//	byte      kind
//	varint32  key length, key bytes
//	varint32  value length, value bytes   (empty for deletes)
type Record struct {
	Sequence keyfmt.Sequence
	Kind     keyfmt.Kind
	Key      []byte
	Value    []byte
}

// Encode appends the record's payload encoding to dst.
func (r *Record) Encode(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, uint64(r.Sequence))
	dst = append(dst, byte(r.Kind))
	dst = encoding.AppendLengthPrefixedSlice(dst, r.Key)
	dst = encoding.AppendLengthPrefixedSlice(dst, r.Value)
	return dst
}

// DecodeRecord parses a payload produced by Encode.
func DecodeRecord(payload []byte) (*Record, error) {
	s := encoding.NewSlice(payload)
	seq, ok := s.GetVarint64()
	if !ok {
		return nil, ErrMalformedRecord
	}
	kindByte, ok := s.GetBytes(1)
	if !ok {
		return nil, ErrMalformedRecord
	}
	kind := keyfmt.Kind(kindByte[0])
	if !kind.Valid() {
		return nil, ErrMalformedRecord
	}
	key, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, ErrMalformedRecord
	}
	value, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, ErrMalformedRecord
	}
	if s.Remaining() != 0 {
		return nil, ErrMalformedRecord
	}
	return &Record{
		Sequence: keyfmt.Sequence(seq),
		Kind:     kind,
		Key:      key,
		Value:    value,
	}, nil
}
