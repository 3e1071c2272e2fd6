// Package keyfmt defines the internal key format shared by the memtable,
// WAL, table files and compaction.
//
// An internal key is the user key followed by an 8-byte trailer packing
// the sequence number (upper 56 bits) and the entry kind (lower 8 bits):
//
//	+----------+----------------------------+
//	| user key | fixed64(seq << 8 | kind)   |
//	+----------+----------------------------+
//
// Internal keys sort by user key ascending, then by trailer descending,
// so for one user key the newest entry comes first.
package keyfmt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/slabdb/slab/internal/encoding"
)

// Sequence is a 56-bit write-ordering counter. It is globally unique and
// strictly increasing across all writes in a process lifetime.
type Sequence uint64

// MaxSequence is the largest representable sequence number.
const MaxSequence Sequence = (1 << 56) - 1

// TrailerSize is the size of the internal key trailer.
const TrailerSize = 8

// Kind discriminates the entry types stored under an internal key.
// These values are embedded in the on-disk format and must not change.
type Kind uint8

const (
	// KindDelete marks a tombstone.
	KindDelete Kind = 0x0

	// KindSet marks a regular value.
	KindSet Kind = 0x1

	// maxKind is used together with MaxSequence to build seek keys that
	// sort before every real entry for the same user key.
	maxKind Kind = 0x1
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "Delete"
	case KindSet:
		return "Set"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Valid returns true if k is a kind this engine stores.
func (k Kind) Valid() bool {
	return k == KindDelete || k == KindSet
}

var (
	// ErrKeyTooShort is returned when an internal key is smaller than
	// its trailer.
	ErrKeyTooShort = errors.New("keyfmt: internal key too short")

	// ErrInvalidKind is returned when the trailer carries an unknown kind.
	ErrInvalidKind = errors.New("keyfmt: invalid entry kind")
)

// PackTrailer packs a sequence number and kind into the trailer value.
func PackTrailer(seq Sequence, kind Kind) uint64 {
	return uint64(seq)<<8 | uint64(kind)
}

// UnpackTrailer splits a trailer value into sequence number and kind.
func UnpackTrailer(trailer uint64) (Sequence, Kind) {
	return Sequence(trailer >> 8), Kind(trailer & 0xff)
}

// InternalKey is an encoded internal key.
type InternalKey []byte

// MakeInternalKey builds an internal key from its parts.
func MakeInternalKey(userKey []byte, seq Sequence, kind Kind) InternalKey {
	dst := make([]byte, 0, len(userKey)+TrailerSize)
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackTrailer(seq, kind))
}

// MakeSeekKey builds the internal key that sorts at or before every entry
// for userKey visible at or below seq. Used as the target for point
// lookups and range scan starts.
func MakeSeekKey(userKey []byte, seq Sequence) InternalKey {
	return MakeInternalKey(userKey, seq, maxKind)
}

// UserKey returns the user key portion.
// REQUIRES: len(k) >= TrailerSize.
func (k InternalKey) UserKey() []byte {
	if len(k) < TrailerSize {
		return nil
	}
	return k[:len(k)-TrailerSize]
}

// Trailer returns the raw packed trailer.
func (k InternalKey) Trailer() uint64 {
	if len(k) < TrailerSize {
		return 0
	}
	return encoding.DecodeFixed64(k[len(k)-TrailerSize:])
}

// Sequence returns the sequence number from the trailer.
func (k InternalKey) Sequence() Sequence {
	seq, _ := UnpackTrailer(k.Trailer())
	return seq
}

// Kind returns the entry kind from the trailer.
func (k InternalKey) Kind() Kind {
	_, kind := UnpackTrailer(k.Trailer())
	return kind
}

// Parse validates an encoded internal key and returns its parts.
func Parse(data []byte) (userKey []byte, seq Sequence, kind Kind, err error) {
	if len(data) < TrailerSize {
		return nil, 0, 0, ErrKeyTooShort
	}
	k := InternalKey(data)
	seq, kind = UnpackTrailer(k.Trailer())
	if !kind.Valid() {
		return nil, 0, 0, ErrInvalidKind
	}
	return k.UserKey(), seq, kind, nil
}

// Compare orders two encoded internal keys: user key ascending, trailer
// descending (newer entries first).
func Compare(a, b []byte) int {
	ak, bk := InternalKey(a), InternalKey(b)
	ua, ub := ak.UserKey(), bk.UserKey()
	if ua == nil || ub == nil {
		// Malformed key, fall back to raw byte order.
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	ta, tb := ak.Trailer(), bk.Trailer()
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// CompareUserKeys orders two user keys lexicographically.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
