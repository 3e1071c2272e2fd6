// Package checksum provides the two checksum algorithms used on disk:
// masked CRC32C for WAL and manifest records, and truncated XXH3 for
// table blocks.
//
// CRCs stored inside files are masked so that computing the CRC of a
// buffer that itself embeds CRCs stays well-behaved.
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value computes the CRC32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the
// CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns a masked representation of crc suitable for storage.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is maskedCRC.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// MaskedValue is Mask(Value(data)).
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}

// XXH3 computes the 64-bit XXH3 hash of data truncated to 32 bits.
// Used for block trailers where 4 bytes is enough to catch bit rot.
func XXH3(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}

// XXH3WithTrailer hashes data followed by one extra byte. The extra byte
// is the block's compression marker, which lives in the trailer rather
// than the block body but is still covered by the checksum.
func XXH3WithTrailer(data []byte, trailer byte) uint32 {
	h := xxh3.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte{trailer})
	return uint32(h.Sum64())
}
