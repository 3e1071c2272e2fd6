// Package manifest defines the version edit records persisted to the
// manifest log. Each edit is a delta against the previous version: files
// added, files deleted, and bookkeeping counters.
//
// Encoding is a sequence of tagged fields, varint tag first. Unknown
// tags fail decoding: the manifest is authoritative metadata and a
// half-understood edit must not be applied.
package manifest

import (
	"errors"
	"fmt"

	"github.com/slabdb/slab/internal/encoding"
	"github.com/slabdb/slab/internal/keyfmt"
)

// ErrCorruptEdit is returned when an edit record fails to decode.
var ErrCorruptEdit = errors.New("manifest: corrupt version edit")

// Field tags. Embedded in the on-disk format; never renumber.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagDeletedFile    = 5
	tagNewFile        = 6
)

// FileMetaData describes one table file in a version.
type FileMetaData struct {
	// Number is the file's monotonically increasing id.
	Number uint64

	// Size is the file size in bytes.
	Size uint64

	// Smallest and Largest bound the user keys in the file, inclusive.
	Smallest []byte
	Largest  []byte

	// MaxSequence is the highest sequence number in the file. Level-0
	// files are read newest-first by this value.
	MaxSequence keyfmt.Sequence

	// NumEntries and NumTombstones feed the tombstone-ratio compaction
	// trigger.
	NumEntries    uint64
	NumTombstones uint64

	// BeingCompacted marks files already claimed by a running
	// compaction. In-memory only, never persisted.
	BeingCompacted bool
}

// TombstoneRatio returns the fraction of entries that are tombstones.
func (f *FileMetaData) TombstoneRatio() float64 {
	if f.NumEntries == 0 {
		return 0
	}
	return float64(f.NumTombstones) / float64(f.NumEntries)
}

// Overlaps reports whether the file's key range intersects
// [smallest, largest]. A nil bound means unbounded on that side.
func (f *FileMetaData) Overlaps(smallest, largest []byte) bool {
	if largest != nil && keyfmt.CompareUserKeys(f.Smallest, largest) > 0 {
		return false
	}
	if smallest != nil && keyfmt.CompareUserKeys(f.Largest, smallest) < 0 {
		return false
	}
	return true
}

// DeletedFileEntry identifies a file removed from a level.
type DeletedFileEntry struct {
	Level  int
	Number uint64
}

// NewFileEntry identifies a file added to a level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// VersionEdit is a persisted delta between two versions.
type VersionEdit struct {
	ComparatorName    string
	HasComparatorName bool

	// LogNumber is the oldest WAL segment still needed after this edit.
	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    keyfmt.Sequence
	HasLastSequence bool

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry
}

// SetComparatorName records the comparator the database was created with.
func (ve *VersionEdit) SetComparatorName(name string) {
	ve.ComparatorName = name
	ve.HasComparatorName = true
}

// SetLogNumber records the oldest live WAL segment.
func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.LogNumber = num
	ve.HasLogNumber = true
}

// SetNextFileNumber records the file number counter.
func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber = num
	ve.HasNextFileNumber = true
}

// SetLastSequence records the highest durable sequence number.
func (ve *VersionEdit) SetLastSequence(seq keyfmt.Sequence) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// DeleteFile records the removal of a file from a level.
func (ve *VersionEdit) DeleteFile(level int, number uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, Number: number})
}

// AddFile records the addition of a file to a level.
func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// EncodeTo returns the tagged binary encoding of the edit.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte
	if ve.HasComparatorName {
		dst = encoding.AppendVarint32(dst, tagComparator)
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.ComparatorName))
	}
	if ve.HasLogNumber {
		dst = encoding.AppendVarint32(dst, tagLogNumber)
		dst = encoding.AppendVarint64(dst, ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, tagNextFileNumber)
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, tagLastSequence)
		dst = encoding.AppendVarint64(dst, uint64(ve.LastSequence))
	}
	for _, df := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, tagDeletedFile)
		dst = encoding.AppendVarint32(dst, uint32(df.Level))
		dst = encoding.AppendVarint64(dst, df.Number)
	}
	for _, nf := range ve.NewFiles {
		dst = encoding.AppendVarint32(dst, tagNewFile)
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encoding.AppendVarint64(dst, nf.Meta.Number)
		dst = encoding.AppendVarint64(dst, nf.Meta.Size)
		dst = encoding.AppendLengthPrefixedSlice(dst, nf.Meta.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, nf.Meta.Largest)
		dst = encoding.AppendVarint64(dst, uint64(nf.Meta.MaxSequence))
		dst = encoding.AppendVarint64(dst, nf.Meta.NumEntries)
		dst = encoding.AppendVarint64(dst, nf.Meta.NumTombstones)
	}
	return dst
}

// DecodeFrom parses an edit encoded by EncodeTo, replacing ve's state.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	*ve = VersionEdit{}
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		tag, ok := s.GetVarint32()
		if !ok {
			return ErrCorruptEdit
		}
		switch tag {
		case tagComparator:
			name, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrCorruptEdit
			}
			ve.SetComparatorName(string(name))

		case tagLogNumber:
			num, ok := s.GetVarint64()
			if !ok {
				return ErrCorruptEdit
			}
			ve.SetLogNumber(num)

		case tagNextFileNumber:
			num, ok := s.GetVarint64()
			if !ok {
				return ErrCorruptEdit
			}
			ve.SetNextFileNumber(num)

		case tagLastSequence:
			seq, ok := s.GetVarint64()
			if !ok {
				return ErrCorruptEdit
			}
			ve.SetLastSequence(keyfmt.Sequence(seq))

		case tagDeletedFile:
			level, ok1 := s.GetVarint32()
			number, ok2 := s.GetVarint64()
			if !ok1 || !ok2 {
				return ErrCorruptEdit
			}
			ve.DeleteFile(int(level), number)

		case tagNewFile:
			level, ok := s.GetVarint32()
			if !ok {
				return ErrCorruptEdit
			}
			meta := &FileMetaData{}
			if meta.Number, ok = s.GetVarint64(); !ok {
				return ErrCorruptEdit
			}
			if meta.Size, ok = s.GetVarint64(); !ok {
				return ErrCorruptEdit
			}
			smallest, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrCorruptEdit
			}
			largest, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return ErrCorruptEdit
			}
			meta.Smallest = append([]byte(nil), smallest...)
			meta.Largest = append([]byte(nil), largest...)
			maxSeq, ok := s.GetVarint64()
			if !ok {
				return ErrCorruptEdit
			}
			meta.MaxSequence = keyfmt.Sequence(maxSeq)
			if meta.NumEntries, ok = s.GetVarint64(); !ok {
				return ErrCorruptEdit
			}
			if meta.NumTombstones, ok = s.GetVarint64(); !ok {
				return ErrCorruptEdit
			}
			ve.AddFile(int(level), meta)

		default:
			return fmt.Errorf("%w: unknown tag %d", ErrCorruptEdit, tag)
		}
	}
	return nil
}

// String renders the edit for logs and the manifest dump tool.
func (ve *VersionEdit) String() string {
	out := "VersionEdit{"
	if ve.HasComparatorName {
		out += fmt.Sprintf("comparator=%s ", ve.ComparatorName)
	}
	if ve.HasLogNumber {
		out += fmt.Sprintf("log=%d ", ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		out += fmt.Sprintf("next_file=%d ", ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		out += fmt.Sprintf("last_seq=%d ", ve.LastSequence)
	}
	for _, df := range ve.DeletedFiles {
		out += fmt.Sprintf("del(L%d #%d) ", df.Level, df.Number)
	}
	for _, nf := range ve.NewFiles {
		out += fmt.Sprintf("add(L%d #%d %dB [%q,%q]) ",
			nf.Level, nf.Meta.Number, nf.Meta.Size, nf.Meta.Smallest, nf.Meta.Largest)
	}
	return out + "}"
}
