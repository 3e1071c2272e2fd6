package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/version"
	"github.com/slabdb/slab/internal/vfs"
)

func meta(num uint64, smallest, largest string, size uint64) *manifest.FileMetaData {
	return &manifest.FileMetaData{
		Number:      num,
		Size:        size,
		Smallest:    []byte(smallest),
		Largest:     []byte(largest),
		MaxSequence: keyfmt.Sequence(num),
		NumEntries:  10,
	}
}

// buildVersion publishes one edit through a throwaway version set and
// returns the pinned result.
func buildVersion(t *testing.T, populate func(edit *manifest.VersionEdit)) *version.Version {
	t.Helper()
	vs := version.NewVersionSet(version.Options{
		Dir: t.TempDir(), FS: vfs.Default(), Logger: logging.Discard(),
	})
	require.NoError(t, vs.Create())
	edit := &manifest.VersionEdit{}
	populate(edit)
	require.NoError(t, vs.LogAndApply(edit))
	v := vs.Current()
	t.Cleanup(func() {
		v.Unref()
		_ = vs.Close()
	})
	return v
}

func testPickerOptions() PickerOptions {
	opts := DefaultPickerOptions()
	opts.BaseLevelBytes = 10000
	return opts
}

func TestNothingToCompact(t *testing.T) {
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, meta(1, "a", "m", 100))
		edit.AddFile(1, meta(2, "a", "z", 100))
	})
	p := NewPicker(testPickerOptions())
	require.False(t, p.NeedsCompaction(v))
	require.Nil(t, p.PickCompaction(v))
}

func TestL0FileCountTrigger(t *testing.T) {
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, meta(1, "a", "m", 100))
		edit.AddFile(0, meta(2, "c", "p", 100))
		edit.AddFile(0, meta(3, "b", "n", 100))
		edit.AddFile(0, meta(4, "d", "q", 100))
		edit.AddFile(1, meta(5, "a", "k", 100))
		edit.AddFile(1, meta(6, "l", "t", 100))
		edit.AddFile(1, meta(7, "u", "z", 100))
	})
	p := NewPicker(testPickerOptions())
	require.True(t, p.NeedsCompaction(v))

	c := p.PickCompaction(v)
	require.NotNil(t, c)
	require.Equal(t, ReasonL0FileCount, c.Reason)
	require.Equal(t, 0, c.StartLevel())
	require.Equal(t, 1, c.OutputLevel)
	require.Len(t, c.Inputs, 2)
	require.Len(t, c.Inputs[0].Files, 4)
	// File 7 ("u".."z") lies outside the merged L0 span "a".."q".
	require.Len(t, c.Inputs[1].Files, 2)

	for _, in := range c.Inputs {
		for _, f := range in.Files {
			require.True(t, f.BeingCompacted)
		}
	}
	// Everything eligible is claimed; a concurrent pick finds nothing.
	require.Nil(t, p.PickCompaction(v))

	c.ReleaseInputs()
	require.NotNil(t, p.PickCompaction(v))
}

func TestLevelSizeTrigger(t *testing.T) {
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(1, meta(1, "a", "f", 4000))
		edit.AddFile(1, meta(2, "g", "m", 9000))
		edit.AddFile(2, meta(3, "a", "z", 100))
	})
	opts := testPickerOptions()
	opts.TombstoneRatioTrigger = 0
	p := NewPicker(opts)
	require.True(t, p.NeedsCompaction(v))

	c := p.PickCompaction(v)
	require.NotNil(t, c)
	require.Equal(t, ReasonLevelSize, c.Reason)
	require.GreaterOrEqual(t, c.Score, 1.0)
	require.Equal(t, 1, c.StartLevel())
	require.Equal(t, 2, c.OutputLevel)
	// The widest file wins the pick.
	require.Equal(t, uint64(2), c.Inputs[0].Files[0].Number)
	c.ReleaseInputs()
}

func TestTombstoneRatioTrigger(t *testing.T) {
	heavy := meta(1, "a", "f", 100)
	heavy.NumTombstones = 5 // half the entries
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(1, heavy)
		edit.AddFile(1, meta(2, "g", "m", 100))
	})
	p := NewPicker(testPickerOptions())
	require.True(t, p.NeedsCompaction(v))

	c := p.PickCompaction(v)
	require.NotNil(t, c)
	require.Equal(t, ReasonTombstoneRatio, c.Reason)
	require.InDelta(t, 0.5, c.Score, 1e-9)
	require.Equal(t, uint64(1), c.Inputs[0].Files[0].Number)
	c.ReleaseInputs()
}

// A tombstone-heavy file on Level 0 never compacts alone: its siblings
// overlap it, and leaving them behind would let an older entry shadow a
// newer one pushed down to Level 1.
func TestTombstoneTriggerTakesWholeL0(t *testing.T) {
	heavy := meta(3, "b", "n", 100)
	heavy.NumTombstones = 8
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, meta(1, "a", "m", 100))
		edit.AddFile(0, meta(2, "c", "p", 100))
		edit.AddFile(0, heavy)
	})
	opts := testPickerOptions()
	opts.L0FileCountTrigger = 100
	p := NewPicker(opts)
	require.True(t, p.NeedsCompaction(v))

	c := p.PickCompaction(v)
	require.NotNil(t, c)
	require.Equal(t, ReasonTombstoneRatio, c.Reason)
	require.Equal(t, 0, c.StartLevel())
	require.Equal(t, 1, c.OutputLevel)
	require.Len(t, c.Inputs[0].Files, 3)
	c.ReleaseInputs()
}

// Tombstones on the last level have nothing left to shadow; rewriting
// the file there would be wasted work.
func TestTombstoneTriggerSkipsLastLevel(t *testing.T) {
	heavy := meta(1, "a", "f", 100)
	heavy.NumTombstones = 10
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(version.NumLevels-1, heavy)
	})
	p := NewPicker(testPickerOptions())
	require.False(t, p.NeedsCompaction(v))
	require.Nil(t, p.PickCompaction(v))
}

// An L0 merge must not route around an L1 file that is already being
// compacted: skipping it would break L1 disjointness.
func TestBusyOverlapBlocksPick(t *testing.T) {
	busy := meta(5, "a", "z", 100)
	busy.BeingCompacted = true
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, meta(1, "a", "m", 100))
		edit.AddFile(0, meta(2, "b", "n", 100))
		edit.AddFile(0, meta(3, "c", "o", 100))
		edit.AddFile(0, meta(4, "d", "p", 100))
		edit.AddFile(1, busy)
	})
	opts := testPickerOptions()
	opts.TombstoneRatioTrigger = 0
	p := NewPicker(opts)
	require.True(t, p.NeedsCompaction(v))
	require.Nil(t, p.PickCompaction(v))
}
