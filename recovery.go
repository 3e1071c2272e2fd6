package slab

// recovery.go replays the write-ahead log tail at open.

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/slabdb/slab/internal/filename"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/memtable"
	"github.com/slabdb/slab/internal/wal"
)

// recoverWAL replays every live log segment into a memtable, flushes
// what it recovered, and opens a fresh segment for new writes.
//
// Replay is strict: the first corrupt or truncated frame in a segment
// discards that segment's remaining tail, bounding loss to writes that
// were never acknowledged as synced. Segments older than the manifest's
// log number are already covered by tables and are skipped.
func (db *DB) recoverWAL() error {
	segments, err := db.liveWALSegments()
	if err != nil {
		return err
	}

	newNum := db.vset.NextFileNumber()
	recovered := memtable.New(newNum)
	maxSeq := keyfmt.Sequence(db.seq.Load())

	for _, num := range segments {
		seq, err := db.replaySegment(num, recovered)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	f, err := db.opts.FS.Create(filename.WALFileName(db.dir, newNum))
	if err != nil {
		return fmt.Errorf("slab: create wal segment: %w", err)
	}

	db.seq.Store(uint64(maxSeq))
	db.vset.SetLastSequence(maxSeq)

	db.mu.Lock()
	db.mem = memtable.New(newNum)
	db.walFile = f
	db.walWriter = wal.NewWriter(f)
	db.walNumber = newNum
	db.mu.Unlock()

	if !recovered.Empty() {
		// Flush the recovered table immediately so the replayed
		// segments become disposable and a second crash replays the
		// manifest instead of the same tail.
		recovered.Freeze()
		if err := db.flushMemTable(recovered); err != nil {
			return fmt.Errorf("slab: flush recovered memtable: %w", err)
		}
		db.logger.Infof("[recovery] replayed %d segment(s), %d entries, last sequence %d",
			len(segments), recovered.Count(), maxSeq)
	} else {
		// Persist the new log number even with nothing to flush, so
		// stale segments never replay twice.
		edit := &manifest.VersionEdit{}
		edit.SetLogNumber(newNum)
		if err := db.vset.LogAndApply(edit); err != nil {
			return err
		}
	}

	db.removeObsoleteWALs(newNum)
	return nil
}

// liveWALSegments lists segment numbers at or past the manifest's log
// number, oldest first.
func (db *DB) liveWALSegments() ([]uint64, error) {
	names, err := db.opts.FS.ListDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("slab: list directory: %w", err)
	}
	cutoff := db.vset.LogNumber()
	var segments []uint64
	for _, name := range names {
		if ftype, num := filename.Parse(name); ftype == filename.TypeWAL && num >= cutoff {
			segments = append(segments, num)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

// replaySegment feeds one segment's records into mem, returning the
// highest sequence seen.
func (db *DB) replaySegment(num uint64, mem *memtable.MemTable) (keyfmt.Sequence, error) {
	path := filename.WALFileName(db.dir, num)
	f, err := db.opts.FS.Open(path)
	if err != nil {
		return 0, fmt.Errorf("slab: open wal segment %06d: %w", num, err)
	}
	defer func() { _ = f.Close() }()

	reporter := &walCorruptionReporter{db: db, segment: num}
	reader := wal.NewReader(f, reporter)

	var maxSeq keyfmt.Sequence
	var count int64
	for {
		payload, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("slab: read wal segment %06d: %w", num, err)
		}
		rec, err := wal.DecodeRecord(payload)
		if err != nil {
			// A frame with a valid checksum but an unintelligible
			// payload is treated like a corrupt tail: stop here.
			db.logger.Warnf("[recovery] segment %06d: undecodable record after %d entries: %v", num, count, err)
			break
		}
		if rec.Kind == keyfmt.KindDelete {
			err = mem.Remove(rec.Key, rec.Sequence)
		} else {
			err = mem.Insert(rec.Key, rec.Value, rec.Sequence)
		}
		if err != nil {
			return 0, fmt.Errorf("slab: replay wal segment %06d: %w", num, err)
		}
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		count++
	}
	db.logger.Debugf("[recovery] segment %06d: %d entries", num, count)
	return maxSeq, nil
}

// walCorruptionReporter logs the discarded tail of a damaged segment.
type walCorruptionReporter struct {
	db      *DB
	segment uint64
}

func (r *walCorruptionReporter) Corruption(bytes int, err error) {
	r.db.logger.Warnf("[recovery] segment %06d: discarding %d-byte tail: %v", r.segment, bytes, err)
}
