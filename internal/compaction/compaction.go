// Package compaction merges table files across levels to bound Level-0
// fan-in, keep deeper levels inside their size targets, and reclaim
// tombstoned space.
package compaction

import (
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/version"
)

// Reason records why a compaction was picked.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileCount
	ReasonLevelSize
	ReasonTombstoneRatio
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileCount:
		return "L0 file count"
	case ReasonLevelSize:
		return "level size"
	case ReasonTombstoneRatio:
		return "tombstone ratio"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// InputFiles is the set of input files drawn from one level.
type InputFiles struct {
	Level int
	Files []*manifest.FileMetaData
}

// Compaction describes one merge: which files to read, which level the
// outputs land on, and the version the decision was made against. The
// version stays pinned by the caller until the job completes.
type Compaction struct {
	Inputs      []InputFiles
	OutputLevel int

	// MaxOutputFileSize bounds each output table; the job rotates to a
	// new file when the current one crosses it.
	MaxOutputFileSize uint64

	Reason Reason
	Score  float64

	// Edit accumulates the file deletions and additions this
	// compaction will publish.
	Edit *manifest.VersionEdit

	// SmallestUserKey and LargestUserKey span all inputs.
	SmallestUserKey []byte
	LargestUserKey  []byte

	base *version.Version

	// levelPtrs memoizes the per-level scan position for
	// IsBottommostForKey; keys arrive in ascending order so the
	// pointers only move forward.
	levelPtrs [version.NumLevels]int
}

func newCompaction(base *version.Version, inputs []InputFiles, outputLevel int) *Compaction {
	c := &Compaction{
		Inputs:      inputs,
		OutputLevel: outputLevel,
		Edit:        &manifest.VersionEdit{},
		base:        base,
	}
	for _, in := range inputs {
		for _, f := range in.Files {
			if c.SmallestUserKey == nil || keyfmt.CompareUserKeys(f.Smallest, c.SmallestUserKey) < 0 {
				c.SmallestUserKey = f.Smallest
			}
			if c.LargestUserKey == nil || keyfmt.CompareUserKeys(f.Largest, c.LargestUserKey) > 0 {
				c.LargestUserKey = f.Largest
			}
		}
	}
	return c
}

// StartLevel returns the level the compaction pulls from.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// NumInputFiles returns the total input file count.
func (c *Compaction) NumInputFiles() int {
	n := 0
	for _, in := range c.Inputs {
		n += len(in.Files)
	}
	return n
}

// InputBytes returns the total input size.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			n += f.Size
		}
	}
	return n
}

// IsTrivialMove reports whether the single input file can be reassigned
// to the output level without rewriting. Files carrying tombstones are
// always rewritten so deeper levels get a garbage collection pass.
func (c *Compaction) IsTrivialMove() bool {
	if len(c.Inputs) != 1 || len(c.Inputs[0].Files) != 1 {
		return false
	}
	f := c.Inputs[0].Files[0]
	return f.NumTombstones == 0 && c.Inputs[0].Level > 0
}

// IsBottommostForKey reports whether no level below the output level
// can hold userKey, so its tombstone may be dropped for good.
// REQUIRES: successive calls use non-decreasing user keys.
func (c *Compaction) IsBottommostForKey(userKey []byte) bool {
	for level := c.OutputLevel + 1; level < version.NumLevels; level++ {
		files := c.base.Files(level)
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if keyfmt.CompareUserKeys(userKey, f.Largest) > 0 {
				c.levelPtrs[level]++
				continue
			}
			if keyfmt.CompareUserKeys(userKey, f.Smallest) >= 0 {
				return false
			}
			break
		}
	}
	return true
}

// MarkInputs flags every input file so concurrent picks skip them.
func (c *Compaction) MarkInputs() {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = true
		}
	}
}

// ReleaseInputs clears the in-progress flags, after either publication
// or failure.
func (c *Compaction) ReleaseInputs() {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = false
		}
	}
}
