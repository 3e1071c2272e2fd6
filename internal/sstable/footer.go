// Package sstable implements the immutable sorted table file format.
//
// File layout:
//
//	[data block 0][data block 1]...
//	[index block]      last internal key of each data block -> handle
//	[filter block]     bloom filter over all user keys
//	[properties block] entry counts, key range, sequence bounds
//	[footer]           fixed-size, addresses the three meta blocks
//
// Every block is followed by a 5-byte trailer: a compression marker byte
// and an XXH3-32 checksum over the stored block bytes plus the marker.
// Meta blocks are never compressed.
package sstable

import (
	"errors"

	"github.com/slabdb/slab/internal/block"
	"github.com/slabdb/slab/internal/encoding"
)

const (
	// FormatVersion is written to the footer; readers reject versions
	// they do not understand.
	FormatVersion = 1

	// MagicNumber identifies a table file. Little-endian in the last 8
	// bytes of the file.
	MagicNumber uint64 = 0x736c616274626c31 // "slabtbl1"

	// FooterSize is the fixed footer length:
	// three handles (16 bytes each) + version (4) + magic (8).
	FooterSize = 3*16 + 4 + 8
)

var (
	// ErrBadFooter is returned when the footer fails validation.
	ErrBadFooter = errors.New("sstable: bad footer")

	// ErrBadVersion is returned for an unsupported format version.
	ErrBadVersion = errors.New("sstable: unsupported format version")
)

// Footer is the fixed-size table trailer.
type Footer struct {
	IndexHandle      block.Handle
	FilterHandle     block.Handle
	PropertiesHandle block.Handle
	Version          uint32
}

// Encode returns the FooterSize-byte encoding.
func (f *Footer) Encode() []byte {
	dst := make([]byte, 0, FooterSize)
	dst = appendFixedHandle(dst, f.IndexHandle)
	dst = appendFixedHandle(dst, f.FilterHandle)
	dst = appendFixedHandle(dst, f.PropertiesHandle)
	dst = encoding.AppendFixed32(dst, f.Version)
	dst = encoding.AppendFixed64(dst, MagicNumber)
	return dst
}

// DecodeFooter parses and validates a footer read from the end of a
// table file.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, ErrBadFooter
	}
	if encoding.DecodeFixed64(data[FooterSize-8:]) != MagicNumber {
		return nil, ErrBadFooter
	}
	f := &Footer{}
	s := encoding.NewSlice(data)
	var ok bool
	if f.IndexHandle, ok = getFixedHandle(s); !ok {
		return nil, ErrBadFooter
	}
	if f.FilterHandle, ok = getFixedHandle(s); !ok {
		return nil, ErrBadFooter
	}
	if f.PropertiesHandle, ok = getFixedHandle(s); !ok {
		return nil, ErrBadFooter
	}
	if f.Version, ok = s.GetFixed32(); !ok {
		return nil, ErrBadFooter
	}
	if f.Version != FormatVersion {
		return nil, ErrBadVersion
	}
	return f, nil
}

func appendFixedHandle(dst []byte, h block.Handle) []byte {
	dst = encoding.AppendFixed64(dst, h.Offset)
	return encoding.AppendFixed64(dst, h.Size)
}

func getFixedHandle(s *encoding.Slice) (block.Handle, bool) {
	offset, ok := s.GetFixed64()
	if !ok {
		return block.Handle{}, false
	}
	size, ok := s.GetFixed64()
	if !ok {
		return block.Handle{}, false
	}
	return block.Handle{Offset: offset, Size: size}, true
}
