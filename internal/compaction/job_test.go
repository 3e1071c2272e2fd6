package compaction

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/sstable"
	"github.com/slabdb/slab/internal/vfs"
)

type entry struct {
	key   string
	seq   uint64
	kind  keyfmt.Kind
	value string
}

// writeTable builds a real table file in dir. Entries must already be
// in internal key order: user key ascending, sequence descending.
func writeTable(t *testing.T, dir string, num uint64, entries []entry) *manifest.FileMetaData {
	t.Helper()
	fs := vfs.Default()
	f, err := fs.Create(filename.TableFileName(dir, num))
	require.NoError(t, err)
	b := sstable.NewBuilder(f, sstable.DefaultBuilderOptions())
	for _, e := range entries {
		key := keyfmt.MakeInternalKey([]byte(e.key), keyfmt.Sequence(e.seq), e.kind)
		require.NoError(t, b.Add(key, []byte(e.value)))
	}
	require.NoError(t, b.Finish())
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	return &manifest.FileMetaData{
		Number:        num,
		Size:          b.FileSize(),
		Smallest:      append([]byte(nil), b.SmallestKey().UserKey()...),
		Largest:       append([]byte(nil), b.LargestKey().UserKey()...),
		MaxSequence:   b.MaxSequence(),
		NumEntries:    b.NumEntries(),
		NumTombstones: b.NumTombstones(),
	}
}

func readTable(t *testing.T, dir string, num uint64) []entry {
	t.Helper()
	raf, err := vfs.Default().OpenRandomAccess(filename.TableFileName(dir, num))
	require.NoError(t, err)
	defer raf.Close()
	r, err := sstable.Open(raf)
	require.NoError(t, err)

	var out []entry
	it := r.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		userKey, seq, kind, err := keyfmt.Parse(it.Key())
		require.NoError(t, err)
		out = append(out, entry{string(userKey), uint64(seq), kind, string(it.Value())})
	}
	require.NoError(t, it.Error())
	return out
}

func testJobConfig(t *testing.T, dir string) JobConfig {
	t.Helper()
	next := uint64(100)
	return JobConfig{
		Dir: dir,
		FS:  vfs.Default(),
		Builder: sstable.BuilderOptions{
			BlockSize:       4096,
			RestartInterval: 16,
			Compression:     sstable.DefaultBuilderOptions().Compression,
			FilterFPRate:    0.01,
		},
		NextFileNum: func() uint64 { next++; return next },
		Logger:      logging.Discard(),
	}
}

func TestMergeKeepsNewestPerKey(t *testing.T) {
	dir := t.TempDir()
	fa := writeTable(t, dir, 1, []entry{{"a", 5, keyfmt.KindSet, "new"}})
	fb := writeTable(t, dir, 2, []entry{
		{"a", 3, keyfmt.KindSet, "old"},
		{"b", 4, keyfmt.KindSet, "b-val"},
	})
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, fa)
		edit.AddFile(0, fb)
	})

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{fa, fb}}}, 1)
	outputs, err := NewJob(c, testJobConfig(t, dir)).Run()
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	got := readTable(t, dir, outputs[0].Number)
	require.Equal(t, []entry{
		{"a", 5, keyfmt.KindSet, "new"},
		{"b", 4, keyfmt.KindSet, "b-val"},
	}, got)

	// The edit swaps inputs for the output atomically.
	require.Len(t, c.Edit.DeletedFiles, 2)
	require.Len(t, c.Edit.NewFiles, 1)
	require.Equal(t, 1, c.Edit.NewFiles[0].Level)
}

func TestTombstoneDroppedAtBottommost(t *testing.T) {
	dir := t.TempDir()
	f := writeTable(t, dir, 1, []entry{
		{"a", 5, keyfmt.KindDelete, ""},
		{"b", 4, keyfmt.KindSet, "keep"},
	})
	// No files below the output level: the tombstone shadows nothing.
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, f)
	})

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{f}}}, 1)
	outputs, err := NewJob(c, testJobConfig(t, dir)).Run()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Zero(t, outputs[0].NumTombstones)

	got := readTable(t, dir, outputs[0].Number)
	require.Equal(t, []entry{{"b", 4, keyfmt.KindSet, "keep"}}, got)
}

func TestTombstoneKeptWhileDeeperDataPossible(t *testing.T) {
	dir := t.TempDir()
	f := writeTable(t, dir, 1, []entry{
		{"a", 5, keyfmt.KindDelete, ""},
	})
	deeper := meta(9, "a", "m", 100)
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, f)
		edit.AddFile(2, deeper)
	})

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{f}}}, 1)
	outputs, err := NewJob(c, testJobConfig(t, dir)).Run()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, uint64(1), outputs[0].NumTombstones)

	got := readTable(t, dir, outputs[0].Number)
	require.Equal(t, []entry{{"a", 5, keyfmt.KindDelete, ""}}, got)
}

func TestSequenceCollisionAborts(t *testing.T) {
	dir := t.TempDir()
	fa := writeTable(t, dir, 1, []entry{{"a", 5, keyfmt.KindSet, "one"}})
	fb := writeTable(t, dir, 2, []entry{{"a", 5, keyfmt.KindSet, "two"}})
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, fa)
		edit.AddFile(0, fb)
	})

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{fa, fb}}}, 1)
	_, err := NewJob(c, testJobConfig(t, dir)).Run()
	require.ErrorIs(t, err, ErrSequenceCollision)

	// Partial outputs are cleaned up; only the inputs remain.
	tables, globErr := filepath.Glob(filepath.Join(dir, "*.sst"))
	require.NoError(t, globErr)
	require.Len(t, tables, 2)
}

func TestTrivialMove(t *testing.T) {
	dir := t.TempDir()
	f := writeTable(t, dir, 1, []entry{{"a", 5, keyfmt.KindSet, "v"}})
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(1, f)
	})

	c := newCompaction(v, []InputFiles{{Level: 1, Files: []*manifest.FileMetaData{f}}}, 2)
	require.True(t, c.IsTrivialMove())

	outputs, err := NewJob(c, testJobConfig(t, dir)).Run()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, f.Number, outputs[0].Number, "the file moves, it is not rewritten")
	require.Len(t, c.Edit.DeletedFiles, 1)
	require.Len(t, c.Edit.NewFiles, 1)
	require.Equal(t, 2, c.Edit.NewFiles[0].Level)
}

// A file holding tombstones is never trivially moved: the rewrite is
// what gives deeper levels their garbage collection pass.
func TestTombstonesBlockTrivialMove(t *testing.T) {
	dir := t.TempDir()
	f := writeTable(t, dir, 1, []entry{
		{"a", 5, keyfmt.KindDelete, ""},
		{"b", 4, keyfmt.KindSet, "v"},
	})
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(1, f)
	})
	c := newCompaction(v, []InputFiles{{Level: 1, Files: []*manifest.FileMetaData{f}}}, 2)
	require.False(t, c.IsTrivialMove())
}

func TestOutputRotation(t *testing.T) {
	dir := t.TempDir()
	var entries []entry
	for i := 0; i < 50; i++ {
		entries = append(entries, entry{
			key:   string(rune('a'+i/26)) + string(rune('a'+i%26)),
			seq:   uint64(i + 1),
			kind:  keyfmt.KindSet,
			value: string(make([]byte, 100)),
		})
	}
	f := writeTable(t, dir, 1, entries)
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, f)
	})

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{f}}}, 1)
	c.MaxOutputFileSize = 1 // rotate at every flushed block

	cfg := testJobConfig(t, dir)
	cfg.Builder.BlockSize = 256
	outputs, err := NewJob(c, cfg).Run()
	require.NoError(t, err)
	require.Greater(t, len(outputs), 1)

	// Outputs cover ascending disjoint ranges and every entry survives.
	total := uint64(0)
	for i, out := range outputs {
		total += out.NumEntries
		if i > 0 {
			require.Negative(t, keyfmt.CompareUserKeys(outputs[i-1].Largest, out.Smallest))
		}
	}
	require.Equal(t, uint64(len(entries)), total)
}

func TestShutdownAborts(t *testing.T) {
	dir := t.TempDir()
	f := writeTable(t, dir, 1, []entry{{"a", 5, keyfmt.KindSet, "v"}})
	v := buildVersion(t, func(edit *manifest.VersionEdit) {
		edit.AddFile(0, f)
	})

	shutdown := make(chan struct{})
	close(shutdown)
	cfg := testJobConfig(t, dir)
	cfg.Shutdown = shutdown

	c := newCompaction(v, []InputFiles{{Level: 0, Files: []*manifest.FileMetaData{f}}}, 1)
	_, err := NewJob(c, cfg).Run()
	require.ErrorIs(t, err, ErrShutdown)
}
