// Package block implements the building and decoding of the sorted
// entry blocks stored in table files, and the handles that address them.
package block

import (
	"errors"

	"github.com/slabdb/slab/internal/encoding"
)

// TrailerSize is the per-block on-disk trailer:
// compression marker (1) + XXH3-32 checksum (4).
const TrailerSize = 5

// ErrBadHandle is returned when a block handle fails to decode.
var ErrBadHandle = errors.New("block: bad block handle")

// Handle addresses one block within a table file. Size excludes the
// trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the varint encoding of the handle to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

// DecodeHandle parses a handle from src, returning the bytes consumed.
func DecodeHandle(src []byte) (Handle, int, error) {
	offset, n, err := encoding.DecodeVarint64(src)
	if err != nil {
		return Handle{}, 0, ErrBadHandle
	}
	size, m, err := encoding.DecodeVarint64(src[n:])
	if err != nil {
		return Handle{}, 0, ErrBadHandle
	}
	return Handle{Offset: offset, Size: size}, n + m, nil
}
