// reader.go implements table reading: footer-validated, bounds-checked
// block access with bloom filtering for point lookups.
package sstable

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/slabdb/slab/internal/block"
	"github.com/slabdb/slab/internal/checksum"
	"github.com/slabdb/slab/internal/compression"
	"github.com/slabdb/slab/internal/encoding"
	"github.com/slabdb/slab/internal/filter"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrCorruption is returned for any checksum mismatch or structural
// decode failure. It is distinct from a not-found result: the caller
// must not treat a corrupt block as an absent key.
var ErrCorruption = errors.New("sstable: corruption detected")

// ReadableFile is the random-access surface a Reader needs.
type ReadableFile interface {
	io.ReaderAt
	Size() int64
}

// Reader provides point lookups and scans over one table file.
type Reader struct {
	file     ReadableFile
	fileSize int64

	footer *Footer
	index  *block.Block
	filter *filter.Reader
	props  *Properties

	// suspect is set after the first corruption observation. The file
	// stays readable; the flag only drives logging and diagnostics.
	suspect atomic.Bool
}

// Open validates the footer and loads the index, filter and properties
// blocks.
func Open(file ReadableFile) (*Reader, error) {
	size := file.Size()
	if size < FooterSize {
		return nil, fmt.Errorf("%w: file smaller than footer", ErrCorruption)
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := file.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		if errors.Is(err, ErrBadVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	r := &Reader{file: file, fileSize: size, footer: footer}

	indexData, err := r.readBlockContents(footer.IndexHandle)
	if err != nil {
		return nil, err
	}
	r.index, err = block.NewBlock(indexData, keyfmt.Compare)
	if err != nil {
		return nil, fmt.Errorf("%w: index block: %v", ErrCorruption, err)
	}

	filterData, err := r.readBlockContents(footer.FilterHandle)
	if err != nil {
		return nil, err
	}
	r.filter, err = filter.NewReader(filterData)
	if err != nil {
		return nil, fmt.Errorf("%w: filter block: %v", ErrCorruption, err)
	}

	propsData, err := r.readBlockContents(footer.PropertiesHandle)
	if err != nil {
		return nil, err
	}
	r.props, err = DecodeProperties(propsData)
	if err != nil {
		return nil, fmt.Errorf("%w: properties block: %v", ErrCorruption, err)
	}

	return r, nil
}

// Properties returns the table's properties block.
func (r *Reader) Properties() *Properties {
	return r.props
}

// Suspect reports whether this reader has observed corruption.
func (r *Reader) Suspect() bool {
	return r.suspect.Load()
}

// readBlockContents reads, verifies and decompresses the block at h.
// Every offset is validated against the file size before reading.
func (r *Reader) readBlockContents(h block.Handle) ([]byte, error) {
	end := h.Offset + h.Size + block.TrailerSize
	if end < h.Offset || int64(end) > r.fileSize {
		r.suspect.Store(true)
		return nil, fmt.Errorf("%w: block handle out of bounds", ErrCorruption)
	}

	buf := make([]byte, h.Size+block.TrailerSize)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}

	stored := buf[:h.Size]
	codec := compression.Type(buf[h.Size])
	crcStored := encoding.DecodeFixed32(buf[h.Size+1:])

	if checksum.XXH3WithTrailer(stored, byte(codec)) != crcStored {
		r.suspect.Store(true)
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrCorruption, h.Offset)
	}
	if !codec.IsSupported() {
		r.suspect.Store(true)
		return nil, fmt.Errorf("%w: unknown compression marker %d", ErrCorruption, codec)
	}

	contents, err := compression.Decompress(codec, stored)
	if err != nil {
		r.suspect.Store(true)
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruption, err)
	}
	return contents, nil
}

// Get returns the newest entry for userKey visible at seq.
// found=false with a nil error means the table has no entry; a
// tombstone is reported with kind == KindDelete.
func (r *Reader) Get(userKey []byte, seq keyfmt.Sequence) (value []byte, kind keyfmt.Kind, found bool, err error) {
	if !r.filter.MayContain(userKey) {
		return nil, 0, false, nil
	}

	seekKey := keyfmt.MakeSeekKey(userKey, seq)

	indexIter := r.index.NewIterator()
	indexIter.Seek(seekKey)
	if err := indexIter.Error(); err != nil {
		r.suspect.Store(true)
		return nil, 0, false, fmt.Errorf("%w: index: %v", ErrCorruption, err)
	}
	if !indexIter.Valid() {
		return nil, 0, false, nil
	}

	h, _, err := block.DecodeHandle(indexIter.Value())
	if err != nil {
		r.suspect.Store(true)
		return nil, 0, false, fmt.Errorf("%w: index entry: %v", ErrCorruption, err)
	}

	contents, err := r.readBlockContents(h)
	if err != nil {
		return nil, 0, false, err
	}
	dataBlock, err := block.NewBlock(contents, keyfmt.Compare)
	if err != nil {
		r.suspect.Store(true)
		return nil, 0, false, fmt.Errorf("%w: data block: %v", ErrCorruption, err)
	}

	it := dataBlock.NewIterator()
	it.Seek(seekKey)
	if err := it.Error(); err != nil {
		r.suspect.Store(true)
		return nil, 0, false, fmt.Errorf("%w: data block: %v", ErrCorruption, err)
	}
	if !it.Valid() {
		return nil, 0, false, nil
	}

	ik := keyfmt.InternalKey(it.Key())
	if keyfmt.CompareUserKeys(ik.UserKey(), userKey) != 0 {
		return nil, 0, false, nil
	}
	v := make([]byte, len(it.Value()))
	copy(v, it.Value())
	return v, ik.Kind(), true, nil
}

// NewIterator creates an unpositioned iterator over the table's
// internal keys.
func (r *Reader) NewIterator() *Iter {
	return &Iter{reader: r, indexIter: r.index.NewIterator()}
}

// Iter is a two-level iterator: it walks the index block and lazily
// loads one data block at a time.
type Iter struct {
	reader    *Reader
	indexIter *block.Iter
	dataIter  *block.Iter
	err       error
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iter) Valid() bool {
	return it.err == nil && it.dataIter != nil && it.dataIter.Valid()
}

// Key returns the encoded internal key at the current position.
func (it *Iter) Key() []byte { return it.dataIter.Key() }

// Value returns the value at the current position.
func (it *Iter) Value() []byte { return it.dataIter.Value() }

// Error returns the first error the iterator encountered.
func (it *Iter) Error() error { return it.err }

// SeekToFirst positions at the table's first entry.
func (it *Iter) SeekToFirst() {
	it.err = nil
	it.indexIter.SeekToFirst()
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.SeekToFirst()
	}
	it.skipEmptyBlocksForward()
}

// Seek positions at the first entry with internal key >= target.
func (it *Iter) Seek(target []byte) {
	it.err = nil
	it.indexIter.Seek(target)
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.Seek(target)
	}
	it.skipEmptyBlocksForward()
}

// Next advances to the next entry.
// REQUIRES: Valid().
func (it *Iter) Next() {
	it.dataIter.Next()
	it.skipEmptyBlocksForward()
}

// skipEmptyBlocksForward moves to the next data block when the current
// one is exhausted.
func (it *Iter) skipEmptyBlocksForward() {
	for it.err == nil && (it.dataIter == nil || !it.dataIter.Valid()) {
		if it.dataIter != nil {
			if derr := it.dataIter.Error(); derr != nil {
				it.fail(derr)
				return
			}
		}
		if !it.indexIter.Valid() {
			it.dataIter = nil
			return
		}
		it.indexIter.Next()
		if !it.indexIter.Valid() {
			it.dataIter = nil
			return
		}
		it.loadDataBlock()
		if it.dataIter != nil {
			it.dataIter.SeekToFirst()
		}
	}
}

func (it *Iter) loadDataBlock() {
	it.dataIter = nil
	if err := it.indexIter.Error(); err != nil {
		it.fail(err)
		return
	}
	if !it.indexIter.Valid() {
		return
	}
	h, _, err := block.DecodeHandle(it.indexIter.Value())
	if err != nil {
		it.fail(err)
		return
	}
	contents, err := it.reader.readBlockContents(h)
	if err != nil {
		it.err = err
		return
	}
	b, err := block.NewBlock(contents, keyfmt.Compare)
	if err != nil {
		it.fail(err)
		return
	}
	it.dataIter = b.NewIterator()
}

func (it *Iter) fail(cause error) {
	it.reader.suspect.Store(true)
	it.err = fmt.Errorf("%w: %v", ErrCorruption, cause)
}
