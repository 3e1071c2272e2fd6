// builder.go accumulates version edits on top of a base version and
// materializes the result. Used by both LogAndApply and recovery, where
// a long chain of edits is folded into one new version.
package version

import (
	"fmt"
	"sort"

	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
)

// Builder applies edits to a base version.
type Builder struct {
	base    *Version
	added   [NumLevels]map[uint64]*manifest.FileMetaData
	deleted [NumLevels]map[uint64]bool
}

// NewBuilder creates a builder over base.
func NewBuilder(base *Version) *Builder {
	b := &Builder{base: base}
	for level := 0; level < NumLevels; level++ {
		b.added[level] = make(map[uint64]*manifest.FileMetaData)
		b.deleted[level] = make(map[uint64]bool)
	}
	return b
}

// Apply folds one edit into the builder.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= NumLevels {
			return fmt.Errorf("version: delete at invalid level %d", df.Level)
		}
		b.deleted[df.Level][df.Number] = true
		delete(b.added[df.Level], df.Number)
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= NumLevels {
			return fmt.Errorf("version: add at invalid level %d", nf.Level)
		}
		b.added[nf.Level][nf.Meta.Number] = nf.Meta
		delete(b.deleted[nf.Level], nf.Meta.Number)
	}
	return nil
}

// Build materializes the accumulated state into v, which must be empty.
// Level 0 is ordered oldest-first by file number; deeper levels by
// smallest key.
func (b *Builder) Build(v *Version) error {
	for level := 0; level < NumLevels; level++ {
		var files []*manifest.FileMetaData
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if !b.deleted[level][f.Number] {
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}

		if level == 0 {
			sort.Slice(files, func(i, j int) bool {
				return files[i].Number < files[j].Number
			})
		} else {
			sort.Slice(files, func(i, j int) bool {
				return keyfmt.CompareUserKeys(files[i].Smallest, files[j].Smallest) < 0
			})
			for i := 1; i < len(files); i++ {
				if keyfmt.CompareUserKeys(files[i-1].Largest, files[i].Smallest) >= 0 {
					return fmt.Errorf("version: overlapping files %d and %d at level %d",
						files[i-1].Number, files[i].Number, level)
				}
			}
		}
		v.files[level] = files
	}
	return nil
}
