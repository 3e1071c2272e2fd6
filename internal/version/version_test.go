package version

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
)

func file(num uint64, smallest, largest string, maxSeq uint64) *manifest.FileMetaData {
	return &manifest.FileMetaData{
		Number:      num,
		Size:        1000,
		Smallest:    []byte(smallest),
		Largest:     []byte(largest),
		MaxSequence: keyfmt.Sequence(maxSeq),
	}
}

func TestBuilderAddDelete(t *testing.T) {
	base := newVersion(nil, 0)
	base.files[1] = []*manifest.FileMetaData{
		file(1, "a", "f", 10),
		file(2, "g", "m", 20),
	}

	edit := &manifest.VersionEdit{}
	edit.DeleteFile(1, 1)
	edit.AddFile(1, file(3, "n", "z", 30))

	b := NewBuilder(base)
	require.NoError(t, b.Apply(edit))

	v := newVersion(nil, 1)
	require.NoError(t, b.Build(v))

	require.Equal(t, 2, v.NumFiles(1))
	require.Equal(t, uint64(2), v.files[1][0].Number)
	require.Equal(t, uint64(3), v.files[1][1].Number)
}

func TestBuilderSortsL0ByFileNumber(t *testing.T) {
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, file(5, "a", "z", 50))
	edit.AddFile(0, file(3, "a", "z", 30))

	b := NewBuilder(nil)
	require.NoError(t, b.Apply(edit))
	v := newVersion(nil, 1)
	require.NoError(t, b.Build(v))

	require.Equal(t, uint64(3), v.files[0][0].Number)
	require.Equal(t, uint64(5), v.files[0][1].Number)
}

func TestBuilderRejectsOverlapInDeepLevels(t *testing.T) {
	edit := &manifest.VersionEdit{}
	edit.AddFile(1, file(1, "a", "m", 10))
	edit.AddFile(1, file(2, "k", "z", 20))

	b := NewBuilder(nil)
	require.NoError(t, b.Apply(edit))
	v := newVersion(nil, 1)
	require.Error(t, b.Build(v), "overlapping ranges within L1 violate the level invariant")
}

func TestOverlapping(t *testing.T) {
	v := newVersion(nil, 0)
	v.files[1] = []*manifest.FileMetaData{
		file(1, "a", "f", 10),
		file(2, "g", "m", 20),
		file(3, "n", "z", 30),
	}

	got := v.Overlapping(1, []byte("e"), []byte("h"))
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Number)
	require.Equal(t, uint64(2), got[1].Number)

	require.Empty(t, v.Overlapping(2, []byte("a"), []byte("z")))
}

// Level-0 files are visited newest first (by max sequence), then deeper
// levels in order; within L1+ at most one file can hold the key.
func TestForEachOverlappingOrder(t *testing.T) {
	v := newVersion(nil, 0)
	v.files[0] = []*manifest.FileMetaData{
		file(1, "a", "z", 10),
		file(2, "a", "z", 40),
		file(3, "q", "z", 20),
	}
	v.files[1] = []*manifest.FileMetaData{
		file(4, "a", "m", 5),
	}

	var visited []uint64
	v.ForEachOverlapping([]byte("c"), func(level int, f *manifest.FileMetaData) bool {
		visited = append(visited, f.Number)
		return true
	})
	// File 3 does not cover "c"; file 2 is newer than file 1.
	require.Equal(t, []uint64{2, 1, 4}, visited)

	// Early exit stops the walk.
	visited = visited[:0]
	v.ForEachOverlapping([]byte("c"), func(level int, f *manifest.FileMetaData) bool {
		visited = append(visited, f.Number)
		return false
	})
	require.Equal(t, []uint64{2}, visited)
}

func TestLevelBytesAndMaxLevel(t *testing.T) {
	v := newVersion(nil, 0)
	v.files[2] = []*manifest.FileMetaData{file(1, "a", "b", 1), file(2, "c", "d", 2)}

	require.Equal(t, uint64(2000), v.LevelBytes(2))
	require.Zero(t, v.LevelBytes(3))
	require.Equal(t, 2, v.MaxLevelWithData())
	require.Equal(t, 2, v.TotalFiles())
}
