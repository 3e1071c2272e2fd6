// Package slab is an embeddable persistent key-value engine built on a
// log-structured merge tree: writes land in a write-ahead log and an
// in-memory table, flush to sorted table files on Level 0, and migrate
// down through size-tiered levels by background compaction.
package slab

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slabdb/slab/internal/cache"
	"github.com/slabdb/slab/internal/compaction"
	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/memtable"
	"github.com/slabdb/slab/internal/sstable"
	"github.com/slabdb/slab/internal/version"
	"github.com/slabdb/slab/internal/vfs"
	"github.com/slabdb/slab/internal/wal"
)

var (
	// ErrNotFound reports a key with no visible entry. It is a normal
	// result, not a failure.
	ErrNotFound = errors.New("slab: not found")

	// ErrClosed reports use of a closed database.
	ErrClosed = errors.New("slab: database closed")

	// ErrEmptyKey rejects zero-length keys.
	ErrEmptyKey = errors.New("slab: empty key")

	// ErrCorruption wraps checksum and structural failures found while
	// reading table files.
	ErrCorruption = sstable.ErrCorruption
)

// DB is a database handle. It is safe for concurrent use.
type DB struct {
	opts   Options
	dir    string
	logger Logger

	vset   *version.VersionSet
	tcache *cache.TableCache
	picker *compaction.Picker

	// mu guards the write path and the memtable/WAL rotation state.
	mu        sync.Mutex
	flushed   *sync.Cond // signaled when an immutable memtable drains
	mem       *memtable.MemTable
	imm       []*memtable.MemTable // oldest first
	walFile   vfs.WritableFile
	walWriter *wal.Writer
	walNumber uint64

	seq    atomic.Uint64
	closed atomic.Bool

	bgWork   chan struct{}
	shutdown chan struct{}
	bg       sync.WaitGroup

	stats dbStats
}

// Open opens or creates the database in dir.
//
// An existing database is recovered: the manifest rebuilds the table
// levels and the write-ahead log replays the unflushed tail. A
// directory with no usable manifest fails unless it holds no database
// at all and CreateIfMissing is set.
func Open(dir string, opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("slab: create directory: %w", err)
	}

	db := &DB{
		opts:   opts,
		dir:    dir,
		logger: opts.Logger,
		vset: version.NewVersionSet(version.Options{
			Dir:    dir,
			FS:     opts.FS,
			Logger: opts.Logger,
		}),
		tcache: cache.NewTableCache(dir, opts.FS, opts.MaxOpenTables),
		picker: compaction.NewPicker(compaction.PickerOptions{
			L0FileCountTrigger:    opts.Level0FileCountTrigger,
			BaseLevelBytes:        opts.BaseLevelBytes,
			LevelSizeRatio:        opts.LevelSizeRatio,
			TombstoneRatioTrigger: opts.TombstoneRatioTrigger,
			MaxOutputFileSize:     opts.MaxOutputFileSize,
		}),
		bgWork:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	db.flushed = sync.NewCond(&db.mu)

	if opts.FS.Exists(filename.CurrentFileName(dir)) {
		if err := db.vset.Recover(); err != nil {
			return nil, err
		}
	} else {
		if hasDatabaseFiles(opts.FS, dir) {
			return nil, fmt.Errorf("%w: directory %q holds database files", version.ErrNoCurrent, dir)
		}
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("slab: no database at %q and CreateIfMissing is off", dir)
		}
		if err := db.vset.Create(); err != nil {
			return nil, err
		}
		db.logger.Infof("[db] created database at %s", dir)
	}
	db.seq.Store(uint64(db.vset.LastSequence()))

	if err := db.recoverWAL(); err != nil {
		return nil, err
	}

	db.bg.Add(1)
	go db.backgroundLoop()
	if opts.WALSyncMode == WALSyncBatched {
		db.bg.Add(1)
		go db.batchedSyncLoop()
	}
	db.scheduleBackgroundWork()

	db.logger.Infof("[db] opened %s: %d tables, last sequence %d",
		dir, func() int { v := db.vset.Current(); defer v.Unref(); return v.TotalFiles() }(),
		db.seq.Load())
	return db, nil
}

// hasDatabaseFiles reports whether dir holds engine files, meaning an
// absent CURRENT is damage rather than a fresh start.
func hasDatabaseFiles(fs vfs.FS, dir string) bool {
	names, err := fs.ListDir(dir)
	if err != nil {
		return false
	}
	for _, name := range names {
		if ftype, _ := filename.Parse(name); ftype != filename.TypeUnknown {
			return true
		}
	}
	return false
}

// Close stops background work and releases the handle. A clean close
// loses nothing: the WAL is synced first, so even batched-mode writes
// survive.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(db.shutdown)
	db.bg.Wait()

	db.mu.Lock()
	var firstErr error
	if db.walFile != nil {
		if err := db.walFile.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := db.walFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.walFile = nil
		db.walWriter = nil
	}
	db.mu.Unlock()

	db.tcache.Close()
	if err := db.vset.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.logger.Infof("[db] closed %s", db.dir)
	return firstErr
}

// Put stores key -> value.
func (db *DB) Put(key, value []byte) error {
	return db.write(keyfmt.KindSet, key, value)
}

// Delete removes key by writing a tombstone. Deleting an absent key is
// not an error.
func (db *DB) Delete(key []byte) error {
	return db.write(keyfmt.KindDelete, key, nil)
}

func (db *DB) write(kind keyfmt.Kind, key, value []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.walWriter == nil {
		return ErrClosed
	}

	seq := keyfmt.Sequence(db.seq.Add(1))
	rec := wal.Record{Sequence: seq, Kind: kind, Key: key, Value: value}
	if _, err := db.walWriter.AddRecord(rec.Encode(nil)); err != nil {
		return fmt.Errorf("slab: append wal: %w", err)
	}
	if db.opts.WALSyncMode == WALSyncEveryWrite {
		if err := db.walFile.Sync(); err != nil {
			return fmt.Errorf("slab: sync wal: %w", err)
		}
	}

	var err error
	if kind == keyfmt.KindDelete {
		err = db.mem.Remove(key, seq)
		db.stats.deletes.Add(1)
	} else {
		err = db.mem.Insert(key, value, seq)
		db.stats.puts.Add(1)
	}
	if err != nil {
		return err
	}

	if db.mem.ApproximateMemoryUsage() >= db.opts.MemTableSizeThreshold {
		if err := db.rotateMemTableLocked(); err != nil {
			// The write itself is durable; rotation retries on the
			// next write.
			db.logger.Errorf("[db] memtable rotation failed: %v", err)
		}
	}
	return nil
}

// rotateMemTableLocked freezes the active memtable, opens a fresh WAL
// segment, and swaps in an empty table.
// REQUIRES: db.mu held.
func (db *DB) rotateMemTableLocked() error {
	num := db.vset.NextFileNumber()
	f, err := db.opts.FS.Create(filename.WALFileName(db.dir, num))
	if err != nil {
		return fmt.Errorf("slab: create wal segment: %w", err)
	}

	db.mem.Freeze()
	db.imm = append(db.imm, db.mem)

	// The frozen table's WAL stays open until its data is flushed;
	// only the writer handle moves on. Syncing first bounds what a
	// crash during the handoff can lose to the same window as normal
	// operation.
	if err := db.walFile.Sync(); err != nil {
		db.logger.Warnf("[wal] sync on rotation: %v", err)
	}
	if err := db.walFile.Close(); err != nil {
		db.logger.Warnf("[wal] close rotated segment: %v", err)
	}

	db.mem = memtable.New(num)
	db.walFile = f
	db.walWriter = wal.NewWriter(f)
	db.walNumber = num

	db.logger.Debugf("[wal] rotated to segment %06d.wal", num)
	db.scheduleBackgroundWork()
	return nil
}

// Get returns the value for key, or ErrNotFound. The lookup walks the
// active memtable, frozen memtables newest first, Level-0 tables newest
// first, then each deeper level.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	db.stats.gets.Add(1)

	db.mu.Lock()
	mem := db.mem
	imms := make([]*memtable.MemTable, len(db.imm))
	copy(imms, db.imm)
	db.mu.Unlock()

	snapshot := keyfmt.Sequence(db.seq.Load())

	if value, kind, found := mem.Get(key, snapshot); found {
		return finishGet(value, kind)
	}
	for i := len(imms) - 1; i >= 0; i-- {
		if value, kind, found := imms[i].Get(key, snapshot); found {
			return finishGet(value, kind)
		}
	}

	v := db.vset.Current()
	defer v.Unref()

	var (
		outValue []byte
		outKind  keyfmt.Kind
		outFound bool
		outErr   error
	)
	v.ForEachOverlapping(key, func(level int, f *manifest.FileMetaData) bool {
		reader, err := db.tcache.Get(f.Number)
		if err != nil {
			outErr = fmt.Errorf("slab: open table %06d.sst: %w", f.Number, err)
			return false
		}
		value, kind, found, err := reader.Get(key, snapshot)
		db.tcache.Release(f.Number)
		if err != nil {
			outErr = err
			return false
		}
		if found {
			outValue, outKind, outFound = value, kind, true
			return false
		}
		return true
	})
	if outErr != nil {
		return nil, outErr
	}
	if !outFound {
		return nil, ErrNotFound
	}
	return finishGet(outValue, outKind)
}

func finishGet(value []byte, kind keyfmt.Kind) ([]byte, error) {
	if kind == keyfmt.KindDelete {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Flush forces the active memtable to a Level-0 table and waits for
// every frozen memtable to drain.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	if !db.mem.Empty() {
		if err := db.rotateMemTableLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	for len(db.imm) > 0 && !db.closed.Load() {
		db.flushed.Wait()
	}
	db.mu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// scheduleBackgroundWork nudges the background loop without blocking.
func (db *DB) scheduleBackgroundWork() {
	select {
	case db.bgWork <- struct{}{}:
	default:
	}
}

// backgroundLoop runs flushes and compactions until shutdown. One
// goroutine does both, so version transitions are naturally serial.
func (db *DB) backgroundLoop() {
	defer db.bg.Done()
	for {
		select {
		case <-db.shutdown:
			// Wake any Flush waiters so they observe the closed state.
			db.flushed.Broadcast()
			return
		case <-db.bgWork:
		}
		db.runBackgroundWork()
	}
}

func (db *DB) runBackgroundWork() {
	for db.flushOne() {
	}
	for db.compactOne() {
		select {
		case <-db.shutdown:
			return
		default:
		}
	}
}

// flushOne flushes the oldest frozen memtable if any, reporting whether
// it did work.
func (db *DB) flushOne() bool {
	db.mu.Lock()
	if len(db.imm) == 0 {
		db.mu.Unlock()
		return false
	}
	m := db.imm[0]
	db.mu.Unlock()

	if err := db.flushMemTable(m); err != nil {
		db.logger.Errorf("[flush] %v", err)
		db.stats.flushErrors.Add(1)
		// Leave the memtable queued; retry on the next nudge.
		time.AfterFunc(time.Second, db.scheduleBackgroundWork)
		return false
	}

	db.mu.Lock()
	db.imm = db.imm[1:]
	oldestWAL := db.walNumber
	if len(db.imm) > 0 {
		oldestWAL = db.imm[0].LogNumber()
	}
	db.mu.Unlock()
	db.flushed.Broadcast()
	db.stats.flushes.Add(1)

	db.removeObsoleteWALs(oldestWAL)
	return true
}

// flushMemTable writes m to a new Level-0 table and publishes it.
func (db *DB) flushMemTable(m *memtable.MemTable) error {
	num := db.vset.NextFileNumber()
	db.vset.MarkPending(num)
	defer db.vset.UnmarkPending(num)

	path := filename.TableFileName(db.dir, num)
	f, err := db.opts.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create %06d.sst: %w", num, err)
	}

	builder := sstable.NewBuilder(f, db.builderOptions())
	it := m.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := builder.Add(keyfmt.InternalKey(it.Key()), it.Value()); err != nil {
			_ = f.Close()
			_ = db.opts.FS.Remove(path)
			return fmt.Errorf("build %06d.sst: %w", num, err)
		}
	}
	if err := builder.Finish(); err != nil {
		_ = f.Close()
		_ = db.opts.FS.Remove(path)
		return fmt.Errorf("finish %06d.sst: %w", num, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = db.opts.FS.Remove(path)
		return fmt.Errorf("sync %06d.sst: %w", num, err)
	}
	if err := f.Close(); err != nil {
		_ = db.opts.FS.Remove(path)
		return fmt.Errorf("close %06d.sst: %w", num, err)
	}

	meta := &manifest.FileMetaData{
		Number:        num,
		Size:          builder.FileSize(),
		Smallest:      append([]byte(nil), builder.SmallestKey().UserKey()...),
		Largest:       append([]byte(nil), builder.LargestKey().UserKey()...),
		MaxSequence:   builder.MaxSequence(),
		NumEntries:    builder.NumEntries(),
		NumTombstones: builder.NumTombstones(),
	}

	// The WAL segment covering this memtable becomes disposable once
	// the edit lands; the successor segment's number marks the cutoff.
	db.mu.Lock()
	oldestNeeded := db.walNumber
	if len(db.imm) > 1 {
		oldestNeeded = db.imm[1].LogNumber()
	}
	db.mu.Unlock()

	edit := &manifest.VersionEdit{}
	edit.AddFile(0, meta)
	edit.SetLogNumber(oldestNeeded)
	db.vset.SetLastSequence(keyfmt.Sequence(db.seq.Load()))
	if err := db.vset.LogAndApply(edit); err != nil {
		_ = db.opts.FS.Remove(path)
		return fmt.Errorf("publish %06d.sst: %w", num, err)
	}

	db.logger.Infof("[flush] memtable -> %06d.sst: %d entries, %d bytes",
		num, meta.NumEntries, meta.Size)
	return nil
}

// compactOne picks and runs one compaction, reporting whether it did
// work.
func (db *DB) compactOne() bool {
	v := db.vset.Current()
	c := db.picker.PickCompaction(v)
	if c == nil {
		v.Unref()
		return false
	}

	job := compaction.NewJob(c, compaction.JobConfig{
		Dir:         db.dir,
		FS:          db.opts.FS,
		Builder:     db.builderOptions(),
		NextFileNum: db.vset.NextFileNumber,
		Logger:      db.logger,
		Shutdown:    db.shutdown,
	})
	_, err := job.Run()
	if err == nil {
		err = db.vset.LogAndApply(c.Edit)
	}
	c.ReleaseInputs()
	v.Unref()

	if err != nil {
		if !errors.Is(err, compaction.ErrShutdown) {
			db.logger.Errorf("[compact] %v", err)
			db.stats.compactionErrors.Add(1)
			time.AfterFunc(time.Second, db.scheduleBackgroundWork)
		}
		return false
	}
	db.stats.compactions.Add(1)

	for _, num := range db.vset.SweepObsolete() {
		db.tcache.Evict(num)
	}
	return true
}

// removeObsoleteWALs deletes log segments older than the cutoff.
func (db *DB) removeObsoleteWALs(oldestNeeded uint64) {
	names, err := db.opts.FS.ListDir(db.dir)
	if err != nil {
		return
	}
	for _, name := range names {
		if ftype, num := filename.Parse(name); ftype == filename.TypeWAL && num < oldestNeeded {
			if err := db.opts.FS.Remove(filename.WALFileName(db.dir, num)); err != nil {
				db.logger.Warnf("[wal] remove obsolete segment %s: %v", name, err)
			} else {
				db.logger.Debugf("[wal] removed obsolete segment %s", name)
			}
		}
	}
}

// batchedSyncLoop fsyncs the WAL on a fixed cadence in batched mode.
func (db *DB) batchedSyncLoop() {
	defer db.bg.Done()
	ticker := time.NewTicker(db.opts.WALBatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.shutdown:
			return
		case <-ticker.C:
			db.mu.Lock()
			f := db.walFile
			db.mu.Unlock()
			if f != nil {
				// A rotation may close f between the load and the
				// sync; the resulting error is harmless noise.
				if err := f.Sync(); err != nil {
					db.logger.Debugf("[wal] batched sync: %v", err)
				}
			}
		}
	}
}

func (db *DB) builderOptions() sstable.BuilderOptions {
	opts := sstable.DefaultBuilderOptions()
	opts.BlockSize = db.opts.DataBlockSize
	opts.Compression = db.opts.Compression
	opts.FilterFPRate = db.opts.BloomFalsePositiveRate
	return opts
}
