package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/vfs"
)

func newTestSet(t *testing.T, dir string) *VersionSet {
	t.Helper()
	return NewVersionSet(Options{Dir: dir, FS: vfs.Default(), Logger: logging.Discard()})
}

func writeDummyTable(t *testing.T, dir string, num uint64) {
	t.Helper()
	require.NoError(t, os.WriteFile(filename.TableFileName(dir, num), []byte("x"), 0o644))
}

func TestCreateAndRecover(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())

	num := vs.NextFileNumber()
	writeDummyTable(t, dir, num)

	vs.SetLastSequence(42)
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, file(num, "a", "z", 42))
	edit.SetLogNumber(vs.NextFileNumber())
	require.NoError(t, vs.LogAndApply(edit))
	require.NoError(t, vs.Close())

	vs2 := newTestSet(t, dir)
	require.NoError(t, vs2.Recover())
	defer vs2.Close()

	require.Equal(t, keyfmt.Sequence(42), vs2.LastSequence())
	v := vs2.Current()
	defer v.Unref()
	require.Equal(t, 1, v.NumFiles(0))
	require.Equal(t, num, v.Files(0)[0].Number)
	require.Greater(t, vs2.NextFileNumber(), num)
}

func TestRecoverWithoutCurrent(t *testing.T) {
	vs := newTestSet(t, t.TempDir())
	require.ErrorIs(t, vs.Recover(), ErrNoCurrent)
}

func TestRecoverDropsMissingTableFiles(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())
	num := vs.NextFileNumber()
	// The table file is never written to disk.
	edit := &manifest.VersionEdit{}
	edit.AddFile(1, file(num, "a", "z", 10))
	require.NoError(t, vs.LogAndApply(edit))
	require.NoError(t, vs.Close())

	vs2 := newTestSet(t, dir)
	require.NoError(t, vs2.Recover())
	defer vs2.Close()

	v := vs2.Current()
	defer v.Unref()
	require.Zero(t, v.TotalFiles())
}

// Recovery rewrites the manifest as a single snapshot and retires the
// one CURRENT used to name.
func TestRecoverRemovesStaleManifests(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())
	require.NoError(t, vs.Close())

	before, err := filepath.Glob(filepath.Join(dir, "MANIFEST-*"))
	require.NoError(t, err)
	require.Len(t, before, 1)

	vs2 := newTestSet(t, dir)
	require.NoError(t, vs2.Recover())
	require.NoError(t, vs2.Close())

	after, err := filepath.Glob(filepath.Join(dir, "MANIFEST-*"))
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.NotEqual(t, before[0], after[0])
}

func TestSweepObsolete(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())

	num := vs.NextFileNumber()
	writeDummyTable(t, dir, num)
	add := &manifest.VersionEdit{}
	add.AddFile(0, file(num, "a", "z", 1))
	require.NoError(t, vs.LogAndApply(add))

	// Nothing retired is reclaimable while the file is still current.
	require.Empty(t, vs.SweepObsolete())

	del := &manifest.VersionEdit{}
	del.DeleteFile(0, num)
	require.NoError(t, vs.LogAndApply(del))

	reclaimed := vs.SweepObsolete()
	require.Equal(t, []uint64{num}, reclaimed)
	require.NoFileExists(t, filename.TableFileName(dir, num))
	require.NoError(t, vs.Close())
}

func TestSweepRespectsPinnedVersions(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())

	num := vs.NextFileNumber()
	writeDummyTable(t, dir, num)
	add := &manifest.VersionEdit{}
	add.AddFile(0, file(num, "a", "z", 1))
	require.NoError(t, vs.LogAndApply(add))

	// A reader pins the version holding the file.
	pinned := vs.Current()

	del := &manifest.VersionEdit{}
	del.DeleteFile(0, num)
	require.NoError(t, vs.LogAndApply(del))

	require.Empty(t, vs.SweepObsolete())
	require.FileExists(t, filename.TableFileName(dir, num))

	pinned.Unref()
	require.Equal(t, []uint64{num}, vs.SweepObsolete())
	require.NoFileExists(t, filename.TableFileName(dir, num))
	require.NoError(t, vs.Close())
}

func TestSweepRespectsPendingFiles(t *testing.T) {
	dir := t.TempDir()

	vs := newTestSet(t, dir)
	require.NoError(t, vs.Create())

	num := vs.NextFileNumber()
	writeDummyTable(t, dir, num)
	add := &manifest.VersionEdit{}
	add.AddFile(0, file(num, "a", "z", 1))
	require.NoError(t, vs.LogAndApply(add))
	del := &manifest.VersionEdit{}
	del.DeleteFile(0, num)
	require.NoError(t, vs.LogAndApply(del))

	vs.MarkPending(num)
	require.Empty(t, vs.SweepObsolete())
	require.FileExists(t, filename.TableFileName(dir, num))
	vs.UnmarkPending(num)
	require.NoError(t, vs.Close())
}
