// reader.go implements log replay.
//
// Reading is strict by design: the first frame whose checksum fails, or
// which is cut short by EOF, terminates the stream. The discarded tail
// is exactly the writes that were never acknowledged as durable, so the
// loss is bounded and no corruption propagates into recovery.
package wal

import (
	"errors"
	"io"

	"github.com/slabdb/slab/internal/checksum"
	"github.com/slabdb/slab/internal/encoding"
)

var (
	// ErrCorruptedRecord indicates a frame with a bad checksum.
	ErrCorruptedRecord = errors.New("wal: corrupted record (bad checksum)")

	// ErrTruncatedRecord indicates a frame cut short by end of file.
	ErrTruncatedRecord = errors.New("wal: truncated record")

	// ErrInvalidRecordType indicates an unrecognized frame type.
	ErrInvalidRecordType = errors.New("wal: invalid record type")

	// ErrUnexpectedFragment indicates fragments out of order.
	ErrUnexpectedFragment = errors.New("wal: unexpected fragment")
)

// Reporter receives a note when replay stops before the end of the file.
type Reporter interface {
	// Corruption is called once with the offending frame size and cause.
	Corruption(bytes int, err error)
}

// Reader replays records from one log segment.
type Reader struct {
	src      io.Reader
	reporter Reporter

	backing []byte
	buffer  []byte
	eof     bool
	stopped bool

	fragments          []byte
	inFragmentedRecord bool
}

// NewReader creates a reader over src. reporter may be nil.
func NewReader(src io.Reader, reporter Reporter) *Reader {
	return &Reader{
		src:      src,
		reporter: reporter,
		backing:  make([]byte, BlockSize),
	}
}

// ReadRecord returns the next logical record, or io.EOF when the intact
// prefix of the log is exhausted. A corrupt or truncated tail also ends
// the stream with io.EOF after reporting it; the caller recovers with
// everything read so far.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.stopped {
		return nil, io.EOF
	}
	r.fragments = r.fragments[:0]
	r.inFragmentedRecord = false

	for {
		recordType, fragment, err := r.readPhysicalRecord()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if r.inFragmentedRecord {
				// Lost the tail of a fragmented record.
				r.stop(len(r.fragments), ErrTruncatedRecord)
			}
			return nil, io.EOF
		}

		switch recordType {
		case FullType:
			if r.inFragmentedRecord {
				r.stop(len(r.fragments), ErrUnexpectedFragment)
				return nil, io.EOF
			}
			return fragment, nil

		case FirstType:
			if r.inFragmentedRecord {
				r.stop(len(r.fragments), ErrUnexpectedFragment)
				return nil, io.EOF
			}
			r.fragments = append(r.fragments[:0], fragment...)
			r.inFragmentedRecord = true

		case MiddleType:
			if !r.inFragmentedRecord {
				r.stop(len(fragment), ErrUnexpectedFragment)
				return nil, io.EOF
			}
			r.fragments = append(r.fragments, fragment...)

		case LastType:
			if !r.inFragmentedRecord {
				r.stop(len(fragment), ErrUnexpectedFragment)
				return nil, io.EOF
			}
			r.fragments = append(r.fragments, fragment...)
			r.inFragmentedRecord = false
			result := make([]byte, len(r.fragments))
			copy(result, r.fragments)
			return result, nil

		case ZeroType:
			// Block padding.
			continue

		default:
			r.stop(len(fragment), ErrInvalidRecordType)
			return nil, io.EOF
		}
	}
}

// stop ends the stream at the current position and reports why.
func (r *Reader) stop(bytes int, err error) {
	r.stopped = true
	if r.reporter != nil {
		r.reporter.Corruption(bytes, err)
	}
}

// readPhysicalRecord reads the next frame. The buffer always holds the
// unconsumed remainder of the current block; a remainder smaller than a
// header is writer padding and is dropped when the next block loads.
func (r *Reader) readPhysicalRecord() (RecordType, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				if len(r.buffer) > 0 && !allZero(r.buffer) {
					// Trailing partial header in the final block.
					r.stop(len(r.buffer), ErrTruncatedRecord)
				}
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.backing)
			if err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					r.eof = true
					if n == 0 {
						r.buffer = nil
						continue
					}
				} else {
					return 0, nil, err
				}
			}
			r.buffer = r.backing[:n]
			continue
		}

		header := r.buffer[:HeaderSize]
		crcStored := encoding.DecodeFixed32(header[0:4])
		length := int(header[4]) | int(header[5])<<8
		recordType := RecordType(header[6])

		if recordType == ZeroType && length == 0 {
			// Preallocated zeros; skip.
			r.buffer = r.buffer[HeaderSize:]
			return ZeroType, nil, nil
		}

		if len(r.buffer) < HeaderSize+length {
			// The writer never splits a frame across blocks, so a frame
			// running past the block remainder is a truncated tail.
			r.stop(len(r.buffer), ErrTruncatedRecord)
			return 0, nil, io.EOF
		}

		payload := r.buffer[HeaderSize : HeaderSize+length]

		crc := checksum.Extend(checksum.Value([]byte{byte(recordType)}), payload)
		if checksum.Mask(crc) != crcStored {
			r.stop(HeaderSize+length, ErrCorruptedRecord)
			return 0, nil, io.EOF
		}

		result := make([]byte, length)
		copy(result, payload)
		r.buffer = r.buffer[HeaderSize+length:]
		return recordType, result, nil
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
