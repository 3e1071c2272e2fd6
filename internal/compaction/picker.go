// picker.go selects what to compact next under the leveled strategy.
package compaction

import (
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/version"
)

// PickerOptions tune the leveled picker's triggers.
type PickerOptions struct {
	// L0FileCountTrigger is the Level-0 file count that forces an
	// L0 -> L1 merge.
	L0FileCountTrigger int

	// BaseLevelBytes is the size target for Level 1; each deeper level
	// multiplies it by LevelSizeRatio.
	BaseLevelBytes uint64

	// LevelSizeRatio is the per-level size multiplier.
	LevelSizeRatio float64

	// TombstoneRatioTrigger compacts a file whose tombstone share
	// exceeds it even when its level is within size budget. Zero
	// disables the trigger.
	TombstoneRatioTrigger float64

	// MaxOutputFileSize bounds each output table.
	MaxOutputFileSize uint64
}

// DefaultPickerOptions returns the picker defaults.
func DefaultPickerOptions() PickerOptions {
	return PickerOptions{
		L0FileCountTrigger:    4,
		BaseLevelBytes:        64 * 1024 * 1024,
		LevelSizeRatio:        10.0,
		TombstoneRatioTrigger: 0.3,
		MaxOutputFileSize:     32 * 1024 * 1024,
	}
}

// Picker chooses compactions against a pinned version. It is not
// goroutine-safe; the owner serializes picks.
type Picker struct {
	opts PickerOptions
}

// NewPicker returns a leveled picker.
func NewPicker(opts PickerOptions) *Picker {
	return &Picker{opts: opts}
}

// NeedsCompaction reports whether any trigger fires for v.
func (p *Picker) NeedsCompaction(v *version.Version) bool {
	if v.NumFiles(0) >= p.opts.L0FileCountTrigger {
		return true
	}
	for level := 1; level < version.NumLevels-1; level++ {
		if p.levelScore(v, level) >= 1.0 {
			return true
		}
	}
	return p.findTombstoneHeavyFile(v) != nil
}

// PickCompaction selects the next compaction, or nil when nothing
// qualifies. Chosen input files are marked in progress; the caller must
// call ReleaseInputs when the job ends.
func (p *Picker) PickCompaction(v *version.Version) *Compaction {
	// L0 fan-in is the most urgent trigger: every extra L0 file is one
	// more stop on every read.
	if v.NumFiles(0) >= p.opts.L0FileCountTrigger {
		if c := p.pickL0(v); c != nil {
			return c
		}
	}

	bestLevel, bestScore := -1, 0.0
	for level := 1; level < version.NumLevels-1; level++ {
		if score := p.levelScore(v, level); score >= 1.0 && score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel > 0 {
		if c := p.pickLevel(v, bestLevel, bestScore); c != nil {
			return c
		}
	}

	if hit := p.findTombstoneHeavyFile(v); hit != nil {
		// A level-0 hit must merge the whole level: L0 files overlap,
		// and pulling one file down past its siblings would let an
		// older entry shadow a newer one.
		var c *Compaction
		if hit.level == 0 {
			c = p.pickL0(v)
		} else {
			c = p.pickFile(v, hit.level, hit.file)
		}
		if c != nil {
			c.Reason = ReasonTombstoneRatio
			c.Score = hit.file.TombstoneRatio()
			return c
		}
	}
	return nil
}

func (p *Picker) levelScore(v *version.Version, level int) float64 {
	target := p.targetBytes(level)
	if target == 0 {
		return 0
	}
	return float64(v.LevelBytes(level)) / float64(target)
}

func (p *Picker) targetBytes(level int) uint64 {
	if level == 0 {
		return 0
	}
	size := float64(p.opts.BaseLevelBytes)
	for i := 1; i < level; i++ {
		size *= p.opts.LevelSizeRatio
	}
	return uint64(size)
}

// pickL0 merges all available L0 files plus the L1 files they overlap.
func (p *Picker) pickL0(v *version.Version) *Compaction {
	var l0 []*manifest.FileMetaData
	for _, f := range v.Files(0) {
		if !f.BeingCompacted {
			l0 = append(l0, f)
		}
	}
	if len(l0) == 0 {
		return nil
	}

	smallest, largest := l0[0].Smallest, l0[0].Largest
	for _, f := range l0[1:] {
		if keyfmt.CompareUserKeys(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if keyfmt.CompareUserKeys(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}

	l1, ok := availableOverlaps(v, 1, smallest, largest)
	if !ok {
		return nil
	}

	inputs := []InputFiles{{Level: 0, Files: l0}}
	if len(l1) > 0 {
		inputs = append(inputs, InputFiles{Level: 1, Files: l1})
	}
	c := newCompaction(v, inputs, 1)
	c.Reason = ReasonL0FileCount
	c.Score = float64(v.NumFiles(0)) / float64(p.opts.L0FileCountTrigger)
	c.MaxOutputFileSize = p.opts.MaxOutputFileSize
	c.MarkInputs()
	return c
}

// pickLevel selects the widest available file from an oversized level.
func (p *Picker) pickLevel(v *version.Version, level int, score float64) *Compaction {
	var picked *manifest.FileMetaData
	var pickedSize uint64
	for _, f := range v.Files(level) {
		if f.BeingCompacted {
			continue
		}
		if picked == nil || f.Size > pickedSize {
			picked, pickedSize = f, f.Size
		}
	}
	if picked == nil {
		return nil
	}
	c := p.pickFile(v, level, picked)
	if c == nil {
		return nil
	}
	c.Reason = ReasonLevelSize
	c.Score = score
	return c
}

// pickFile builds a compaction merging one file with its overlaps one
// level down.
func (p *Picker) pickFile(v *version.Version, level int, f *manifest.FileMetaData) *Compaction {
	if f.BeingCompacted || level+1 >= version.NumLevels {
		return nil
	}
	next, ok := availableOverlaps(v, level+1, f.Smallest, f.Largest)
	if !ok {
		return nil
	}
	inputs := []InputFiles{{Level: level, Files: []*manifest.FileMetaData{f}}}
	if len(next) > 0 {
		inputs = append(inputs, InputFiles{Level: level + 1, Files: next})
	}
	c := newCompaction(v, inputs, level+1)
	c.MaxOutputFileSize = p.opts.MaxOutputFileSize
	c.MarkInputs()
	return c
}

type tombstoneHit struct {
	level int
	file  *manifest.FileMetaData
}

// findTombstoneHeavyFile returns the worst offender above the trigger,
// skipping the last level where tombstones are already collectible only
// by overlap.
func (p *Picker) findTombstoneHeavyFile(v *version.Version) *tombstoneHit {
	if p.opts.TombstoneRatioTrigger <= 0 {
		return nil
	}
	var hit *tombstoneHit
	for level := 0; level < version.NumLevels-1; level++ {
		for _, f := range v.Files(level) {
			if f.BeingCompacted {
				continue
			}
			ratio := f.TombstoneRatio()
			if ratio < p.opts.TombstoneRatioTrigger {
				continue
			}
			if hit == nil || ratio > hit.file.TombstoneRatio() {
				hit = &tombstoneHit{level: level, file: f}
			}
		}
	}
	return hit
}

// availableOverlaps returns the files in level overlapping the span.
// ok is false when any overlapping file is already being compacted:
// merging around it would break the level's disjointness.
func availableOverlaps(v *version.Version, level int, smallest, largest []byte) ([]*manifest.FileMetaData, bool) {
	overlapping := v.Overlapping(level, smallest, largest)
	for _, f := range overlapping {
		if f.BeingCompacted {
			return nil, false
		}
	}
	return overlapping, true
}
