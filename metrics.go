package slab

// metrics.go exposes engine counters and per-level shape.

import (
	"sync/atomic"

	"github.com/slabdb/slab/internal/version"
)

// dbStats holds the engine's internal counters.
type dbStats struct {
	puts    atomic.Uint64
	deletes atomic.Uint64
	gets    atomic.Uint64

	flushes          atomic.Uint64
	flushErrors      atomic.Uint64
	compactions      atomic.Uint64
	compactionErrors atomic.Uint64
}

// LevelMetrics describes one level's footprint.
type LevelMetrics struct {
	Files int
	Bytes uint64
}

// Metrics is a point-in-time snapshot of engine activity.
type Metrics struct {
	Puts    uint64
	Deletes uint64
	Gets    uint64

	Flushes          uint64
	FlushErrors      uint64
	Compactions      uint64
	CompactionErrors uint64

	// MemTableBytes is the active memtable's arena usage.
	MemTableBytes int64

	// FrozenMemTables counts memtables waiting for flush.
	FrozenMemTables int

	Levels [version.NumLevels]LevelMetrics

	TableCacheHits   uint64
	TableCacheMisses uint64

	LastSequence uint64
}

// Metrics returns a consistent snapshot of counters and level shape.
func (db *DB) Metrics() Metrics {
	m := Metrics{
		Puts:             db.stats.puts.Load(),
		Deletes:          db.stats.deletes.Load(),
		Gets:             db.stats.gets.Load(),
		Flushes:          db.stats.flushes.Load(),
		FlushErrors:      db.stats.flushErrors.Load(),
		Compactions:      db.stats.compactions.Load(),
		CompactionErrors: db.stats.compactionErrors.Load(),
		LastSequence:     db.seq.Load(),
	}
	m.TableCacheHits, m.TableCacheMisses = db.tcache.Stats()

	db.mu.Lock()
	if db.mem != nil {
		m.MemTableBytes = db.mem.ApproximateMemoryUsage()
	}
	m.FrozenMemTables = len(db.imm)
	db.mu.Unlock()

	v := db.vset.Current()
	for level := 0; level < version.NumLevels; level++ {
		m.Levels[level] = LevelMetrics{
			Files: v.NumFiles(level),
			Bytes: v.LevelBytes(level),
		}
	}
	v.Unref()
	return m
}
