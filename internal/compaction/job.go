// job.go executes a picked compaction: a k-way merge of the input
// tables into new output tables on the target level.
package compaction

import (
	"errors"
	"fmt"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/iterator"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/sstable"
	"github.com/slabdb/slab/internal/vfs"
)

var (
	// ErrSequenceCollision reports two entries sharing both user key
	// and sequence number. Sequences are globally unique, so this is
	// an invariant violation, never resolvable by tie-breaking.
	ErrSequenceCollision = errors.New("compaction: duplicate sequence number for key")

	// ErrShutdown reports a job aborted by engine shutdown. No version
	// was published; partial outputs are removed.
	ErrShutdown = errors.New("compaction: aborted by shutdown")
)

// Job runs one compaction to completion.
type Job struct {
	c      *Compaction
	dir    string
	fs     vfs.FS
	opts   sstable.BuilderOptions
	logger logging.Logger

	nextFileNum func() uint64
	shutdown    <-chan struct{}

	outputs []*manifest.FileMetaData

	cur     *sstable.Builder
	curFile vfs.WritableFile
	curNum  uint64

	// Stats for the completion log line.
	entriesKept    uint64
	entriesShadows uint64
	tombstonesGCed uint64
}

// JobConfig carries the dependencies a Job needs.
type JobConfig struct {
	Dir         string
	FS          vfs.FS
	Builder     sstable.BuilderOptions
	NextFileNum func() uint64
	Logger      logging.Logger

	// Shutdown, when closed, aborts the job at the next entry
	// boundary.
	Shutdown <-chan struct{}
}

// NewJob prepares a job for c.
func NewJob(c *Compaction, cfg JobConfig) *Job {
	return &Job{
		c:           c,
		dir:         cfg.Dir,
		fs:          cfg.FS,
		opts:        cfg.Builder,
		logger:      logging.OrDefault(cfg.Logger),
		nextFileNum: cfg.NextFileNum,
		shutdown:    cfg.Shutdown,
	}
}

// Run executes the merge. On success the compaction's Edit holds the
// input deletions and output additions, ready for LogAndApply. On any
// error the partial outputs are removed and nothing is published.
func (j *Job) Run() ([]*manifest.FileMetaData, error) {
	if j.c.IsTrivialMove() {
		return j.trivialMove()
	}

	iters, closeAll, err := j.openInputs()
	if err != nil {
		return nil, err
	}
	defer closeAll()

	merged := iterator.NewMergingIterator(iters, keyfmt.Compare)
	if err := j.mergeEntries(merged); err != nil {
		j.discardOutputs()
		return nil, err
	}
	if err := merged.Error(); err != nil {
		j.discardOutputs()
		return nil, fmt.Errorf("compaction: read inputs: %w", err)
	}
	if err := j.finishOutput(); err != nil {
		j.discardOutputs()
		return nil, err
	}

	j.recordEdit()
	j.logger.Infof("[compact] L%d -> L%d: %d files in, %d files out, kept=%d shadowed=%d tombstones_gc=%d (%s)",
		j.c.StartLevel(), j.c.OutputLevel, j.c.NumInputFiles(), len(j.outputs),
		j.entriesKept, j.entriesShadows, j.tombstonesGCed, j.c.Reason)
	return j.outputs, nil
}

// trivialMove reassigns the single input to the output level without
// rewriting it.
func (j *Job) trivialMove() ([]*manifest.FileMetaData, error) {
	in := j.c.Inputs[0]
	f := in.Files[0]
	moved := &manifest.FileMetaData{
		Number:        f.Number,
		Size:          f.Size,
		Smallest:      f.Smallest,
		Largest:       f.Largest,
		MaxSequence:   f.MaxSequence,
		NumEntries:    f.NumEntries,
		NumTombstones: f.NumTombstones,
	}
	j.c.Edit.DeleteFile(in.Level, f.Number)
	j.c.Edit.AddFile(j.c.OutputLevel, moved)
	j.logger.Infof("[compact] trivial move %06d.sst L%d -> L%d", f.Number, in.Level, j.c.OutputLevel)
	return []*manifest.FileMetaData{moved}, nil
}

// openInputs opens a table iterator per input file, L0 files first so
// the merge heap breaks internal-key ties toward newer files; the
// internal key comparator already orders same-user-key entries newest
// first, so ties only occur on true duplicates.
func (j *Job) openInputs() ([]iterator.Iterator, func(), error) {
	var iters []iterator.Iterator
	var files []vfs.RandomAccessFile
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, in := range j.c.Inputs {
		for _, meta := range in.Files {
			path := filename.TableFileName(j.dir, meta.Number)
			raf, err := j.fs.OpenRandomAccess(path)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("compaction: open input %06d.sst: %w", meta.Number, err)
			}
			files = append(files, raf)
			reader, err := sstable.Open(raf)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("compaction: read input %06d.sst: %w", meta.Number, err)
			}
			iters = append(iters, reader.NewIterator())
		}
	}
	return iters, closeAll, nil
}

// mergeEntries drains the merged stream, keeping only the newest entry
// per user key and dropping tombstones that can never shadow anything
// deeper.
func (j *Job) mergeEntries(it *iterator.MergingIterator) error {
	var lastUserKey []byte
	var lastSeq keyfmt.Sequence
	haveLast := false

	for it.SeekToFirst(); it.Valid(); it.Next() {
		select {
		case <-j.shutdown:
			return ErrShutdown
		default:
		}

		userKey, seq, kind, err := keyfmt.Parse(it.Key())
		if err != nil {
			return fmt.Errorf("compaction: corrupt internal key: %w", err)
		}

		if haveLast && keyfmt.CompareUserKeys(userKey, lastUserKey) == 0 {
			if seq == lastSeq {
				return fmt.Errorf("%w: key %q seq %d", ErrSequenceCollision, userKey, seq)
			}
			// Older entry for a key already emitted (or already
			// GC'ed): shadowed either way.
			j.entriesShadows++
			continue
		}
		lastUserKey = append(lastUserKey[:0], userKey...)
		lastSeq = seq
		haveLast = true

		if kind == keyfmt.KindDelete && j.c.IsBottommostForKey(userKey) {
			j.tombstonesGCed++
			continue
		}

		if err := j.append(keyfmt.InternalKey(it.Key()), it.Value()); err != nil {
			return err
		}
		j.entriesKept++
	}
	return nil
}

// append writes an entry to the current output, rotating when the file
// crosses the size bound.
func (j *Job) append(key keyfmt.InternalKey, value []byte) error {
	if j.cur != nil && j.c.MaxOutputFileSize > 0 && j.cur.FileSize() >= j.c.MaxOutputFileSize {
		if err := j.finishOutput(); err != nil {
			return err
		}
	}
	if j.cur == nil {
		if err := j.openOutput(); err != nil {
			return err
		}
	}
	return j.cur.Add(key, value)
}

func (j *Job) openOutput() error {
	num := j.nextFileNum()
	path := filename.TableFileName(j.dir, num)
	f, err := j.fs.Create(path)
	if err != nil {
		return fmt.Errorf("compaction: create output %06d.sst: %w", num, err)
	}
	j.cur = sstable.NewBuilder(f, j.opts)
	j.curFile = f
	j.curNum = num
	return nil
}

// finishOutput seals the current output file and records its metadata.
func (j *Job) finishOutput() error {
	if j.cur == nil {
		return nil
	}
	b, f, num := j.cur, j.curFile, j.curNum
	j.cur, j.curFile, j.curNum = nil, nil, 0

	if b.Empty() {
		_ = f.Close()
		_ = j.fs.Remove(filename.TableFileName(j.dir, num))
		return nil
	}
	if err := b.Finish(); err != nil {
		_ = f.Close()
		return fmt.Errorf("compaction: finish output %06d.sst: %w", num, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("compaction: sync output %06d.sst: %w", num, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compaction: close output %06d.sst: %w", num, err)
	}

	j.outputs = append(j.outputs, &manifest.FileMetaData{
		Number:        num,
		Size:          b.FileSize(),
		Smallest:      append([]byte(nil), b.SmallestKey().UserKey()...),
		Largest:       append([]byte(nil), b.LargestKey().UserKey()...),
		MaxSequence:   b.MaxSequence(),
		NumEntries:    b.NumEntries(),
		NumTombstones: b.NumTombstones(),
	})
	return nil
}

// discardOutputs removes everything the failed job wrote.
func (j *Job) discardOutputs() {
	if j.curFile != nil {
		_ = j.curFile.Close()
		_ = j.fs.Remove(filename.TableFileName(j.dir, j.curNum))
		j.cur, j.curFile, j.curNum = nil, nil, 0
	}
	for _, meta := range j.outputs {
		_ = j.fs.Remove(filename.TableFileName(j.dir, meta.Number))
	}
	j.outputs = nil
}

// recordEdit fills the compaction's edit with input deletions and
// output additions.
func (j *Job) recordEdit() {
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			j.c.Edit.DeleteFile(in.Level, f.Number)
		}
	}
	for _, meta := range j.outputs {
		j.c.Edit.AddFile(j.c.OutputLevel, meta)
	}
}
