// version_set.go manages the version chain, the manifest log and the
// CURRENT pointer, and reclaims files no retired version needs.
package version

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/vfs"
	"github.com/slabdb/slab/internal/wal"
)

var (
	// ErrNoCurrent is returned when the database directory has no
	// usable CURRENT pointer or manifest. This is fatal at open: no
	// consistent version can be determined.
	ErrNoCurrent = errors.New("version: no valid CURRENT/manifest")

	// ErrComparatorMismatch is returned when the manifest was written
	// under a different key ordering.
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
)

// ComparatorName identifies the engine's only key ordering in the
// manifest, guarding against foreign databases.
const ComparatorName = "slab.BytewiseComparator"

// Options configures a VersionSet.
type Options struct {
	Dir    string
	FS     vfs.FS
	Logger logging.Logger
}

// VersionSet owns the version chain of one database.
type VersionSet struct {
	dir    string
	fs     vfs.FS
	logger logging.Logger

	mu      sync.Mutex // guards current pointer swap and manifest append
	current *Version

	// listMu guards the live version map and retirement queue; split
	// from mu so Unref in a reader path never contends with manifest
	// writes.
	listMu  sync.Mutex
	live    map[*Version]bool
	retired []*Version

	nextFileNumber uint64 // guarded by mu
	lastSequence   keyfmt.Sequence
	logNumber      uint64 // oldest WAL segment still needed
	manifestNumber uint64
	versionNumber  uint64

	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer

	// pending protects files being written by in-flight flush or
	// compaction jobs from the obsolete-file sweep.
	pendingMu sync.Mutex
	pending   map[uint64]bool
}

// NewVersionSet creates an unopened version set. Call Create or Recover
// before use.
func NewVersionSet(opts Options) *VersionSet {
	return &VersionSet{
		dir:            opts.Dir,
		fs:             opts.FS,
		logger:         logging.OrDefault(opts.Logger),
		live:           make(map[*Version]bool),
		pending:        make(map[uint64]bool),
		nextFileNumber: 1,
	}
}

// Current returns the published version, pinned for the caller. The
// caller must Unref it when the operation completes.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.Ref()
	return v
}

// LastSequence returns the highest durable sequence number.
func (vs *VersionSet) LastSequence() keyfmt.Sequence {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

// SetLastSequence publishes a new highest sequence number.
func (vs *VersionSet) SetLastSequence(seq keyfmt.Sequence) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if seq > vs.lastSequence {
		vs.lastSequence = seq
	}
}

// LogNumber returns the oldest WAL segment still needed.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// NextFileNumber allocates and returns a fresh file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// MarkPending shields a file number from the obsolete sweep while its
// file is being written.
func (vs *VersionSet) MarkPending(number uint64) {
	vs.pendingMu.Lock()
	vs.pending[number] = true
	vs.pendingMu.Unlock()
}

// UnmarkPending lifts the shield once the file is either published in a
// version or abandoned and removed.
func (vs *VersionSet) UnmarkPending(number uint64) {
	vs.pendingMu.Lock()
	delete(vs.pending, number)
	vs.pendingMu.Unlock()
}

// Create initializes a fresh database: an empty version, a manifest
// holding one snapshot edit, and the CURRENT pointer.
func (vs *VersionSet) Create() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	v := newVersion(vs, vs.versionNumber)
	vs.versionNumber++
	vs.installLocked(v)

	return vs.newManifestLocked()
}

// Recover reconstructs the latest consistent version from the manifest
// named by CURRENT. Table files referenced but missing on disk are
// dropped with a warning; a missing CURRENT or manifest is fatal.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	currentName := filename.CurrentFileName(vs.dir)
	if !vs.fs.Exists(currentName) {
		return ErrNoCurrent
	}
	f, err := vs.fs.Open(currentName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCurrent, err)
	}
	content, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCurrent, err)
	}
	name := string(content)
	if n := len(name); n > 0 && name[n-1] == '\n' {
		name = name[:n-1]
	}
	ftype, manifestNum := filename.Parse(name)
	if ftype != filename.TypeManifest {
		return fmt.Errorf("%w: CURRENT names %q", ErrNoCurrent, name)
	}

	manifestPath := filename.ManifestFileName(vs.dir, manifestNum)
	mf, err := vs.fs.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCurrent, err)
	}
	defer func() { _ = mf.Close() }()

	builder := NewBuilder(nil)
	reader := wal.NewReader(mf, &manifestCorruptionReporter{logger: vs.logger})
	sawAny := false
	for {
		rec, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("version: read manifest: %w", err)
		}
		edit := &manifest.VersionEdit{}
		if err := edit.DecodeFrom(rec); err != nil {
			return fmt.Errorf("version: decode manifest edit: %w", err)
		}
		if edit.HasComparatorName && edit.ComparatorName != ComparatorName {
			return fmt.Errorf("%w: manifest has %q", ErrComparatorMismatch, edit.ComparatorName)
		}
		if err := builder.Apply(edit); err != nil {
			return err
		}
		if edit.HasLogNumber {
			vs.logNumber = edit.LogNumber
		}
		if edit.HasNextFileNumber {
			vs.nextFileNumber = edit.NextFileNumber
		}
		if edit.HasLastSequence && edit.LastSequence > vs.lastSequence {
			vs.lastSequence = edit.LastSequence
		}
		sawAny = true
	}
	if !sawAny {
		return fmt.Errorf("%w: manifest %q holds no edits", ErrNoCurrent, name)
	}

	v := newVersion(vs, vs.versionNumber)
	vs.versionNumber++
	if err := builder.Build(v); err != nil {
		return err
	}
	vs.dropMissingFiles(v)
	vs.installLocked(v)

	// Recovery writes a fresh manifest holding one snapshot of the
	// reconstructed state, then repoints CURRENT. The old manifest
	// stays untouched until the switch is durable.
	if err := vs.newManifestLocked(); err != nil {
		return err
	}
	vs.removeStaleManifests(manifestNum)
	return nil
}

// dropMissingFiles removes references to table files that no longer
// exist on disk, logging each. The resulting view is reduced but
// consistent.
func (vs *VersionSet) dropMissingFiles(v *Version) {
	for level := 0; level < NumLevels; level++ {
		kept := v.files[level][:0]
		for _, f := range v.files[level] {
			if vs.fs.Exists(filename.TableFileName(vs.dir, f.Number)) {
				kept = append(kept, f)
			} else {
				vs.logger.Warnf("[recovery] dropping missing table file %06d.sst (level %d)", f.Number, level)
			}
		}
		v.files[level] = kept
	}
}

// removeStaleManifests deletes manifests older than the active one,
// including the one recovery replayed.
func (vs *VersionSet) removeStaleManifests(upTo uint64) {
	names, err := vs.fs.ListDir(vs.dir)
	if err != nil {
		return
	}
	for _, name := range names {
		if ftype, num := filename.Parse(name); ftype == filename.TypeManifest && num <= upTo {
			if err := vs.fs.Remove(filename.ManifestFileName(vs.dir, num)); err != nil {
				vs.logger.Warnf("[manifest] remove stale manifest %s: %v", name, err)
			}
		}
	}
}

// installLocked publishes v as current and registers it live.
// REQUIRES: vs.mu held.
func (vs *VersionSet) installLocked(v *Version) {
	v.Ref() // the set's own reference
	old := vs.current
	vs.current = v

	vs.listMu.Lock()
	vs.live[v] = true
	vs.listMu.Unlock()

	if old != nil {
		old.Unref()
	}
}

// LogAndApply persists edit to the manifest log, then atomically
// publishes the resulting version. Readers holding older snapshots are
// unaffected.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	edit.SetNextFileNumber(vs.nextFileNumber)
	edit.SetLastSequence(vs.lastSequence)
	if edit.HasLogNumber {
		vs.logNumber = edit.LogNumber
	}

	builder := NewBuilder(vs.current)
	if err := builder.Apply(edit); err != nil {
		return err
	}
	v := newVersion(vs, vs.versionNumber)
	if err := builder.Build(v); err != nil {
		return err
	}
	vs.versionNumber++

	// Persist before publish: a crash after the append recovers to the
	// new version, a crash before it recovers to the old one.
	if _, err := vs.manifestWriter.AddRecord(edit.EncodeTo()); err != nil {
		return fmt.Errorf("version: append manifest: %w", err)
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return fmt.Errorf("version: sync manifest: %w", err)
	}

	vs.installLocked(v)
	return nil
}

// newManifestLocked starts a new manifest file seeded with a snapshot
// edit of the current state and repoints CURRENT at it.
// REQUIRES: vs.mu held.
func (vs *VersionSet) newManifestLocked() error {
	num := vs.nextFileNumber
	vs.nextFileNumber++

	path := filename.ManifestFileName(vs.dir, num)
	f, err := vs.fs.Create(path)
	if err != nil {
		return fmt.Errorf("version: create manifest: %w", err)
	}
	w := wal.NewWriter(f)

	snapshot := vs.snapshotEditLocked()
	if _, err := w.AddRecord(snapshot.EncodeTo()); err != nil {
		_ = f.Close()
		return fmt.Errorf("version: write manifest snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("version: sync manifest: %w", err)
	}

	if err := vs.setCurrentFile(num); err != nil {
		_ = f.Close()
		return err
	}

	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	vs.manifestFile = f
	vs.manifestWriter = w
	vs.manifestNumber = num
	return nil
}

// snapshotEditLocked builds an edit reproducing the entire current
// state, so a new manifest can stand alone.
// REQUIRES: vs.mu held.
func (vs *VersionSet) snapshotEditLocked() *manifest.VersionEdit {
	edit := &manifest.VersionEdit{}
	edit.SetComparatorName(ComparatorName)
	edit.SetLogNumber(vs.logNumber)
	edit.SetNextFileNumber(vs.nextFileNumber)
	edit.SetLastSequence(vs.lastSequence)
	for level := 0; level < NumLevels; level++ {
		for _, f := range vs.current.files[level] {
			edit.AddFile(level, f)
		}
	}
	return edit
}

// setCurrentFile atomically repoints CURRENT via temp file + rename,
// then syncs the directory so the switch survives a crash.
func (vs *VersionSet) setCurrentFile(manifestNum uint64) error {
	tmp := filename.TempFileName(vs.dir, manifestNum)
	f, err := vs.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("version: create CURRENT temp: %w", err)
	}
	content := fmt.Sprintf("MANIFEST-%06d\n", manifestNum)
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := vs.fs.Rename(tmp, filename.CurrentFileName(vs.dir)); err != nil {
		return fmt.Errorf("version: install CURRENT: %w", err)
	}
	return vs.fs.SyncDir(vs.dir)
}

// versionRetired queues a zero-ref version for the sweep. Called from
// Unref; defers all file deletion out of the reader's path.
func (vs *VersionSet) versionRetired(v *Version) {
	vs.listMu.Lock()
	if vs.live[v] {
		delete(vs.live, v)
		vs.retired = append(vs.retired, v)
	}
	vs.listMu.Unlock()
}

// SweepObsolete deletes table files that belonged to retired versions
// and are referenced by no live version nor shielded as pending,
// returning the reclaimed file numbers. Called from background tasks,
// never from readers.
func (vs *VersionSet) SweepObsolete() []uint64 {
	vs.listMu.Lock()
	retired := vs.retired
	vs.retired = nil
	if len(retired) == 0 {
		vs.listMu.Unlock()
		return nil
	}
	referenced := make(map[uint64]bool)
	for v := range vs.live {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				referenced[f.Number] = true
			}
		}
	}
	vs.listMu.Unlock()

	vs.pendingMu.Lock()
	for num := range vs.pending {
		referenced[num] = true
	}
	vs.pendingMu.Unlock()

	dropped := make(map[uint64]bool)
	var reclaimed []uint64
	for _, v := range retired {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				if !referenced[f.Number] && !dropped[f.Number] {
					dropped[f.Number] = true
					path := filename.TableFileName(vs.dir, f.Number)
					if err := vs.fs.Remove(path); err != nil {
						vs.logger.Warnf("[manifest] remove obsolete table %06d.sst: %v", f.Number, err)
					} else {
						vs.logger.Debugf("[manifest] reclaimed table %06d.sst", f.Number)
						reclaimed = append(reclaimed, f.Number)
					}
				}
			}
		}
	}
	return reclaimed
}

// Close releases the manifest file. The current version stays pinned
// until the set is garbage collected; no files are removed.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile != nil {
		err := vs.manifestFile.Close()
		vs.manifestFile = nil
		vs.manifestWriter = nil
		return err
	}
	return nil
}

// manifestCorruptionReporter logs a truncated manifest tail. Replay
// keeps everything before the damage, matching WAL semantics.
type manifestCorruptionReporter struct {
	logger logging.Logger
}

func (r *manifestCorruptionReporter) Corruption(bytes int, err error) {
	r.logger.Warnf("[manifest] truncated manifest tail (%d bytes): %v", bytes, err)
}
