// builder.go implements table building: entries stream in ascending
// internal key order and come out as checksummed, optionally compressed
// blocks plus index, filter, properties and footer.
package sstable

import (
	"errors"
	"fmt"
	"io"

	"github.com/slabdb/slab/internal/block"
	"github.com/slabdb/slab/internal/checksum"
	"github.com/slabdb/slab/internal/compression"
	"github.com/slabdb/slab/internal/encoding"
	"github.com/slabdb/slab/internal/filter"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrKeyOrder is returned when Add receives a key not strictly greater
// than its predecessor.
var ErrKeyOrder = errors.New("sstable: keys added out of order")

// BuilderOptions configures table building.
type BuilderOptions struct {
	// BlockSize is the uncompressed data block size threshold.
	BlockSize int

	// RestartInterval is the entries between block restart points.
	RestartInterval int

	// Compression is the codec applied to data blocks.
	Compression compression.Type

	// FilterFPRate is the bloom filter false-positive rate.
	FilterFPRate float64
}

// DefaultBuilderOptions returns the production defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:       4096,
		RestartInterval: block.DefaultRestartInterval,
		Compression:     compression.Snappy,
		FilterFPRate:    filter.DefaultFalsePositiveRate,
	}
}

// Builder writes one table file.
type Builder struct {
	w    io.Writer
	opts BuilderOptions

	dataBlock  *block.Builder
	indexBlock *block.Builder
	filter     *filter.Builder

	offset     uint64
	numEntries uint64
	tombstones uint64
	maxSeq     keyfmt.Sequence

	firstKey []byte // internal key of the first entry
	lastKey  []byte // internal key of the last entry

	pendingIndex bool   // a finished data block awaits its index entry
	pendingKey   []byte // last key of that block
	pendingH     block.Handle

	err      error
	finished bool
}

// NewBuilder creates a table builder writing to w.
func NewBuilder(w io.Writer, opts BuilderOptions) *Builder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = block.DefaultRestartInterval
	}
	return &Builder{
		w:          w,
		opts:       opts,
		dataBlock:  block.NewBuilder(opts.RestartInterval),
		indexBlock: block.NewBuilder(1),
		filter:     filter.NewBuilder(opts.FilterFPRate),
	}
}

// Add appends an entry. key is an encoded internal key; entries must
// arrive in strictly ascending internal key order.
func (b *Builder) Add(key keyfmt.InternalKey, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return errors.New("sstable: Add after Finish")
	}
	if b.lastKey != nil && keyfmt.Compare(b.lastKey, key) >= 0 {
		b.err = ErrKeyOrder
		return b.err
	}

	if b.pendingIndex {
		if err := b.flushIndexEntry(); err != nil {
			return err
		}
	}

	if b.firstKey == nil {
		b.firstKey = append([]byte(nil), key...)
	}
	b.lastKey = append(b.lastKey[:0], key...)

	b.dataBlock.Add(key, value)
	b.filter.AddKey(key.UserKey())
	b.numEntries++
	if key.Kind() == keyfmt.KindDelete {
		b.tombstones++
	}
	if seq := key.Sequence(); seq > b.maxSeq {
		b.maxSeq = seq
	}

	if b.dataBlock.CurrentSizeEstimate() >= b.opts.BlockSize {
		return b.flushDataBlock()
	}
	return nil
}

// flushDataBlock writes the current data block and queues its index
// entry. The index entry is written together with the next Add so its
// key can stay the block's own last key.
func (b *Builder) flushDataBlock() error {
	if b.dataBlock.Empty() {
		return nil
	}
	h, err := b.writeBlock(b.dataBlock.Finish(), b.opts.Compression)
	if err != nil {
		b.err = err
		return err
	}
	b.pendingIndex = true
	b.pendingKey = append(b.pendingKey[:0], b.lastKey...)
	b.pendingH = h
	b.dataBlock.Reset()
	return nil
}

func (b *Builder) flushIndexEntry() error {
	var handleBuf []byte
	handleBuf = b.pendingH.EncodeTo(handleBuf)
	b.indexBlock.Add(b.pendingKey, handleBuf)
	b.pendingIndex = false
	return nil
}

// writeBlock compresses contents, appends the trailer and writes it,
// returning the handle of the stored block.
func (b *Builder) writeBlock(contents []byte, codec compression.Type) (block.Handle, error) {
	compressed, err := compression.Compress(codec, contents)
	if err != nil {
		return block.Handle{}, fmt.Errorf("sstable: compress block: %w", err)
	}
	// Fall back to raw storage when compression does not pay for itself.
	if codec != compression.None && len(compressed) >= len(contents) {
		compressed = contents
		codec = compression.None
	}

	h := block.Handle{Offset: b.offset, Size: uint64(len(compressed))}

	if _, err := b.w.Write(compressed); err != nil {
		return block.Handle{}, err
	}
	var trailer [block.TrailerSize]byte
	trailer[0] = byte(codec)
	encoding.EncodeFixed32(trailer[1:], checksum.XXH3WithTrailer(compressed, byte(codec)))
	if _, err := b.w.Write(trailer[:]); err != nil {
		return block.Handle{}, err
	}

	b.offset += uint64(len(compressed)) + block.TrailerSize
	return h, nil
}

// Finish flushes the final data block and writes the index, filter,
// properties and footer. The builder is unusable afterwards.
func (b *Builder) Finish() error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return errors.New("sstable: Finish called twice")
	}
	b.finished = true

	if err := b.flushDataBlock(); err != nil {
		return err
	}
	if b.pendingIndex {
		if err := b.flushIndexEntry(); err != nil {
			return err
		}
	}

	dataSize := b.offset

	indexHandle, err := b.writeBlock(b.indexBlock.Finish(), compression.None)
	if err != nil {
		b.err = err
		return err
	}

	filterData, err := b.filter.Finish()
	if err != nil {
		b.err = err
		return err
	}
	filterHandle, err := b.writeRawBlock(filterData)
	if err != nil {
		b.err = err
		return err
	}

	props := Properties{
		NumEntries:    b.numEntries,
		NumTombstones: b.tombstones,
		MaxSequence:   b.maxSeq,
		DataSize:      dataSize,
	}
	if b.firstKey != nil {
		props.SmallestKey = keyfmt.InternalKey(b.firstKey).UserKey()
		props.LargestKey = keyfmt.InternalKey(b.lastKey).UserKey()
	}
	propsHandle, err := b.writeRawBlock(props.Encode())
	if err != nil {
		b.err = err
		return err
	}

	footer := Footer{
		IndexHandle:      indexHandle,
		FilterHandle:     filterHandle,
		PropertiesHandle: propsHandle,
		Version:          FormatVersion,
	}
	if _, err := b.w.Write(footer.Encode()); err != nil {
		b.err = err
		return err
	}
	b.offset += FooterSize
	return nil
}

// writeRawBlock stores contents uncompressed with a checksum trailer.
// Used for the filter and properties blocks, which are not entry blocks.
func (b *Builder) writeRawBlock(contents []byte) (block.Handle, error) {
	return b.writeBlock(contents, compression.None)
}

// NumEntries returns the entries added so far.
func (b *Builder) NumEntries() uint64 { return b.numEntries }

// NumTombstones returns the tombstone entries added so far.
func (b *Builder) NumTombstones() uint64 { return b.tombstones }

// FileSize returns the bytes written so far.
func (b *Builder) FileSize() uint64 { return b.offset }

// MaxSequence returns the highest sequence number added.
func (b *Builder) MaxSequence() keyfmt.Sequence { return b.maxSeq }

// SmallestKey returns the first internal key added, or nil.
func (b *Builder) SmallestKey() keyfmt.InternalKey { return b.firstKey }

// LargestKey returns the last internal key added, or nil.
func (b *Builder) LargestKey() keyfmt.InternalKey { return b.lastKey }

// Empty reports whether no entries were added.
func (b *Builder) Empty() bool { return b.numEntries == 0 }
