package slab

// scanner.go implements ordered range scans over every live source.

import (
	"github.com/slabdb/slab/internal/iterator"
	"github.com/slabdb/slab/internal/keyfmt"
	"github.com/slabdb/slab/internal/memtable"
	"github.com/slabdb/slab/internal/version"
)

// Scanner is a lazy ordered cursor over a key range. It sees the
// database as of the moment Scan was called: later writes are
// invisible, tombstones hide their keys, and each key yields only its
// newest value.
//
// A Scanner pins table files and a version until Close; always close
// it.
type Scanner struct {
	db       *DB
	merged   *iterator.MergingIterator
	snapshot keyfmt.Sequence
	end      []byte

	v      *version.Version
	pinned []uint64

	key   []byte
	value []byte
	// resolved is the last user key whose outcome (emitted or
	// tombstoned) is settled; older entries for it are skipped.
	resolved    []byte
	hasResolved bool
	done        bool
	err         error
}

// Scan returns a Scanner over [start, end). A nil or empty end scans to
// the last key; a nil start begins at the first.
func (db *DB) Scan(start, end []byte) (*Scanner, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	db.mu.Lock()
	mem := db.mem
	imms := make([]*memtable.MemTable, len(db.imm))
	copy(imms, db.imm)
	db.mu.Unlock()

	snapshot := keyfmt.Sequence(db.seq.Load())
	v := db.vset.Current()

	s := &Scanner{
		db:       db,
		snapshot: snapshot,
		v:        v,
	}
	if len(end) > 0 {
		s.end = append([]byte(nil), end...)
	}

	iters := []iterator.Iterator{mem.NewIterator()}
	for i := len(imms) - 1; i >= 0; i-- {
		iters = append(iters, imms[i].NewIterator())
	}
	for level := 0; level < version.NumLevels; level++ {
		for _, f := range v.Files(level) {
			reader, err := db.tcache.Get(f.Number)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.pinned = append(s.pinned, f.Number)
			iters = append(iters, reader.NewIterator())
		}
	}
	s.merged = iterator.NewMergingIterator(iters, keyfmt.Compare)

	if len(start) > 0 {
		s.merged.Seek(keyfmt.MakeSeekKey(start, snapshot))
	} else {
		s.merged.SeekToFirst()
	}
	return s, nil
}

// Next advances to the next visible entry, reporting false at the end
// of the range or on error.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}

	for ; s.merged.Valid(); s.merged.Next() {
		userKey, seq, kind, err := keyfmt.Parse(s.merged.Key())
		if err != nil {
			s.fail(err)
			return false
		}
		if seq > s.snapshot {
			// Written after the scan opened; an older visible entry
			// for the same key may still follow.
			continue
		}
		if s.hasResolved && keyfmt.CompareUserKeys(userKey, s.resolved) == 0 {
			continue
		}
		if s.end != nil && keyfmt.CompareUserKeys(userKey, s.end) >= 0 {
			break
		}

		s.resolved = append(s.resolved[:0], userKey...)
		s.hasResolved = true
		if kind == keyfmt.KindDelete {
			continue
		}

		s.key = append(s.key[:0], userKey...)
		s.value = append(s.value[:0], s.merged.Value()...)
		s.merged.Next()
		return true
	}

	if err := s.merged.Error(); err != nil {
		s.fail(err)
		return false
	}
	s.done = true
	return false
}

// Key returns the current key. Valid after Next reports true, until the
// following Next.
func (s *Scanner) Key() []byte { return s.key }

// Value returns the current value.
func (s *Scanner) Value() []byte { return s.value }

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }

func (s *Scanner) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.done = true
}

// Close releases the scanner's pinned tables and version. Safe to call
// more than once.
func (s *Scanner) Close() {
	if s.v == nil {
		return
	}
	for _, num := range s.pinned {
		s.db.tcache.Release(num)
	}
	s.pinned = nil
	s.v.Unref()
	s.v = nil
	s.done = true
}
