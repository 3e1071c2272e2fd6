// Package wal implements the write-ahead log.
//
// A log segment is a sequence of 32 KiB blocks. Logical records are
// framed as one or more physical records, each with a 7-byte header:
//
//	+----------+----------+------+---------+
//	| CRC (4B) | Len (2B) | Type | Payload |
//	+----------+----------+------+---------+
//
// The CRC is a masked CRC32C over Type + Payload. Records never straddle
// a block boundary; a record that does not fit is fragmented into
// First/Middle/Last pieces and the tail of a block too small for a
// header is zero-padded.
//
// Replay is strict: the first corrupt or truncated frame ends recovery,
// discarding the unflushed tail rather than risking corrupt state.
package wal

// BlockSize is the size of each block in a log segment.
const BlockSize = 32768

// HeaderSize is the physical record header size:
// checksum (4) + length (2) + type (1).
const HeaderSize = 7

// MaxRecordPayload is the largest payload of a single physical record.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType marks how a physical record relates to its logical record.
// These values are embedded in the on-disk format and must not change.
type RecordType uint8

const (
	// ZeroType is block padding (all zeros), skipped on read.
	ZeroType RecordType = 0

	// FullType is a complete record in one fragment.
	FullType RecordType = 1

	// FirstType is the first fragment of a multi-block record.
	FirstType RecordType = 2

	// MiddleType is an interior fragment.
	MiddleType RecordType = 3

	// LastType is the final fragment.
	LastType RecordType = 4

	maxRecordType = LastType
)

// String returns the name of the record type.
func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "ZeroType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}
