// Package version tracks the set of table files visible at a point in
// time and the manifest machinery that evolves it.
//
// A Version is immutable once published. Readers pin one with Ref for
// the duration of a single operation and Unref it after; files a
// version stops referencing are reclaimed by the version set's sweep
// only when no version referencing them remains.
package version

import (
	"sort"
	"sync/atomic"

	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
)

// NumLevels is the number of levels in the tree.
const NumLevels = 7

// Version is an immutable snapshot of the file set per level.
//
// Level 0 holds flush outputs in chronological order and its files may
// overlap. Levels 1 and deeper hold files with pairwise disjoint key
// ranges, sorted by smallest key.
type Version struct {
	files [NumLevels][]*manifest.FileMetaData

	refs atomic.Int32

	vset   *VersionSet
	number uint64
}

// NewVersion creates an empty version owned by vset.
func newVersion(vset *VersionSet, number uint64) *Version {
	return &Version{vset: vset, number: number}
}

// Ref pins the version.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases a pin. When the last pin drops, the owning version
// set is told so its sweep can reclaim files only this version held.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 && v.vset != nil {
		v.vset.versionRetired(v)
	}
}

// Number returns the version's sequence in the version chain.
func (v *Version) Number() uint64 {
	return v.number
}

// Files returns the files at a level, ordered as stored.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the file count at a level.
func (v *Version) NumFiles(level int) int {
	return len(v.Files(level))
}

// LevelBytes returns the total file size at a level.
func (v *Version) LevelBytes(level int) uint64 {
	var total uint64
	for _, f := range v.Files(level) {
		total += f.Size
	}
	return total
}

// TotalFiles returns the file count across all levels.
func (v *Version) TotalFiles() int {
	total := 0
	for level := 0; level < NumLevels; level++ {
		total += len(v.files[level])
	}
	return total
}

// Overlapping returns the files at a level intersecting
// [smallest, largest]. Nil bounds are unbounded.
func (v *Version) Overlapping(level int, smallest, largest []byte) []*manifest.FileMetaData {
	var result []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if f.Overlaps(smallest, largest) {
			result = append(result, f)
		}
	}
	return result
}

// ForEachOverlapping visits the files that may contain userKey in
// lookup order: level 0 newest-first, then each deeper level's single
// candidate file. The walk stops when fn returns false.
func (v *Version) ForEachOverlapping(userKey []byte, fn func(level int, f *manifest.FileMetaData) bool) {
	// Level 0: overlapping ranges, newest first by max sequence.
	l0 := make([]*manifest.FileMetaData, 0, len(v.files[0]))
	for _, f := range v.files[0] {
		if f.Overlaps(userKey, userKey) {
			l0 = append(l0, f)
		}
	}
	sort.Slice(l0, func(i, j int) bool {
		return l0[i].MaxSequence > l0[j].MaxSequence
	})
	for _, f := range l0 {
		if !fn(0, f) {
			return
		}
	}

	// Deeper levels: disjoint sorted ranges, at most one candidate.
	for level := 1; level < NumLevels; level++ {
		f := v.findFile(level, userKey)
		if f == nil {
			continue
		}
		if !fn(level, f) {
			return
		}
	}
}

// findFile binary-searches the sorted disjoint files of a level >= 1
// for the one whose range covers userKey.
func (v *Version) findFile(level int, userKey []byte) *manifest.FileMetaData {
	files := v.files[level]
	i := sort.Search(len(files), func(i int) bool {
		return keyfmt.CompareUserKeys(files[i].Largest, userKey) >= 0
	})
	if i == len(files) {
		return nil
	}
	if keyfmt.CompareUserKeys(files[i].Smallest, userKey) > 0 {
		return nil
	}
	return files[i]
}

// MaxLevelWithData returns the deepest level holding at least one file.
func (v *Version) MaxLevelWithData() int {
	for level := NumLevels - 1; level > 0; level-- {
		if len(v.files[level]) > 0 {
			return level
		}
	}
	return 0
}

// refCount is exposed for the version set's sweep.
func (v *Version) refCount() int32 {
	return v.refs.Load()
}
