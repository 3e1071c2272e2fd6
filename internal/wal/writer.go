// writer.go implements the log stream writer: an append-only record
// sink that fragments records across block boundaries.
package wal

import (
	"io"

	"github.com/slabdb/slab/internal/checksum"
	"github.com/slabdb/slab/internal/encoding"
)

// Writer writes framed records to one log segment.
type Writer struct {
	dest        io.Writer
	blockOffset int // offset within the current block
	written     int64

	// Pre-computed CRC32C seed per record type.
	typeCRC [maxRecordType + 1]uint32

	headerBuf [HeaderSize]byte
}

// NewWriter creates a writer appending to dest, typically a fresh
// segment file.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	for i := 0; i <= int(maxRecordType); i++ {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AddRecord appends one logical record, fragmenting it as needed.
// Returns the number of bytes written including framing.
func (w *Writer) AddRecord(data []byte) (int, error) {
	ptr := data
	left := len(data)
	totalWritten := 0
	begin := true

	// Even an empty record emits one zero-length Full fragment.
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				n, err := w.dest.Write(make([]byte, leftover))
				totalWritten += n
				if err != nil {
					return totalWritten, err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragmentLength := min(left, avail)

		end := left == fragmentLength
		var recordType RecordType
		switch {
		case begin && end:
			recordType = FullType
		case begin:
			recordType = FirstType
		case end:
			recordType = LastType
		default:
			recordType = MiddleType
		}

		n, err := w.emitPhysicalRecord(recordType, ptr[:fragmentLength])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		ptr = ptr[fragmentLength:]
		left -= fragmentLength
		begin = false
		if left == 0 {
			break
		}
	}

	w.written += int64(totalWritten)
	return totalWritten, nil
}

func (w *Writer) emitPhysicalRecord(t RecordType, payload []byte) (int, error) {
	n := len(payload)

	w.headerBuf[4] = byte(n & 0xff)
	w.headerBuf[5] = byte(n >> 8)
	w.headerBuf[6] = byte(t)

	crc := checksum.Extend(w.typeCRC[t], payload)
	encoding.EncodeFixed32(w.headerBuf[:], checksum.Mask(crc))

	totalWritten := 0
	written, err := w.dest.Write(w.headerBuf[:])
	totalWritten += written
	if err != nil {
		return totalWritten, err
	}
	written, err = w.dest.Write(payload)
	totalWritten += written
	if err != nil {
		return totalWritten, err
	}

	w.blockOffset += HeaderSize + n
	return totalWritten, nil
}

// Size returns the bytes written to this segment so far.
func (w *Writer) Size() int64 {
	return w.written
}

// Sync flushes the destination if it supports it. Under synchronous
// durability mode this is called after every AddRecord; under batched
// mode the caller syncs on its own cadence.
func (w *Writer) Sync() error {
	if syncer, ok := w.dest.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}
