package slab

// options.go implements database configuration options.

import (
	"fmt"
	"time"

	"github.com/slabdb/slab/internal/compression"
	"github.com/slabdb/slab/internal/filter"
	"github.com/slabdb/slab/internal/logging"
	"github.com/slabdb/slab/internal/vfs"
)

// Logger is an alias for the logging.Logger interface, so callers can
// plug their own implementation.
type Logger = logging.Logger

// CompressionType is an alias for the block codec selector.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.None
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

// WALSyncMode selects write durability.
type WALSyncMode int

const (
	// WALSyncEveryWrite fsyncs the log before acknowledging each
	// write.
	WALSyncEveryWrite WALSyncMode = iota

	// WALSyncBatched acknowledges writes after the OS buffer write and
	// fsyncs on a short interval, trading a bounded durability window
	// for throughput.
	WALSyncBatched
)

func (m WALSyncMode) String() string {
	switch m {
	case WALSyncEveryWrite:
		return "sync"
	case WALSyncBatched:
		return "batched"
	default:
		return fmt.Sprintf("WALSyncMode(%d)", int(m))
	}
}

// Options configures a database. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// CreateIfMissing initializes a fresh database when the directory
	// holds none. Opening an empty directory without it fails.
	CreateIfMissing bool

	// MemTableSizeThreshold freezes and flushes the active memtable
	// once its arena crosses this size.
	MemTableSizeThreshold int64

	// DataBlockSize is the uncompressed target size of table data
	// blocks.
	DataBlockSize int

	// Compression selects the block codec for newly written tables.
	Compression CompressionType

	// BloomFalsePositiveRate tunes per-table bloom filters.
	BloomFalsePositiveRate float64

	// BaseLevelBytes is the size target for Level 1.
	BaseLevelBytes uint64

	// LevelSizeRatio multiplies the size target per deeper level.
	LevelSizeRatio float64

	// Level0FileCountTrigger starts an L0 -> L1 compaction at this
	// many L0 files.
	Level0FileCountTrigger int

	// TombstoneRatioTrigger compacts a file whose tombstone share
	// exceeds it even when its level is within size budget. Zero
	// disables the trigger.
	TombstoneRatioTrigger float64

	// MaxOutputFileSize bounds each compaction output table.
	MaxOutputFileSize uint64

	// WALSyncMode selects per-write or batched fsync.
	WALSyncMode WALSyncMode

	// WALBatchInterval is the fsync cadence under WALSyncBatched.
	WALBatchInterval time.Duration

	// MaxOpenTables bounds the table reader cache.
	MaxOpenTables int

	// FS substitutes the filesystem, for tests. Nil uses the OS.
	FS vfs.FS

	// Logger receives engine diagnostics. Nil uses the zap-backed
	// default.
	Logger Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:        true,
		MemTableSizeThreshold:  4 * 1024 * 1024,
		DataBlockSize:          4 * 1024,
		Compression:            CompressionSnappy,
		BloomFalsePositiveRate: filter.DefaultFalsePositiveRate,
		BaseLevelBytes:         64 * 1024 * 1024,
		LevelSizeRatio:         10.0,
		Level0FileCountTrigger: 4,
		TombstoneRatioTrigger:  0.3,
		MaxOutputFileSize:      32 * 1024 * 1024,
		WALSyncMode:            WALSyncEveryWrite,
		WALBatchInterval:       5 * time.Millisecond,
		MaxOpenTables:          500,
	}
}

// Validate rejects unusable configurations. Open fails fast on the
// first violation.
func (o *Options) Validate() error {
	if o.MemTableSizeThreshold <= 0 {
		return fmt.Errorf("slab: MemTableSizeThreshold must be positive, got %d", o.MemTableSizeThreshold)
	}
	if o.DataBlockSize <= 0 {
		return fmt.Errorf("slab: DataBlockSize must be positive, got %d", o.DataBlockSize)
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("slab: unsupported compression type %d", o.Compression)
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("slab: BloomFalsePositiveRate must be in (0, 1), got %g", o.BloomFalsePositiveRate)
	}
	if o.BaseLevelBytes == 0 {
		return fmt.Errorf("slab: BaseLevelBytes must be positive")
	}
	if o.LevelSizeRatio <= 1 {
		return fmt.Errorf("slab: LevelSizeRatio must exceed 1, got %g", o.LevelSizeRatio)
	}
	if o.Level0FileCountTrigger < 1 {
		return fmt.Errorf("slab: Level0FileCountTrigger must be at least 1, got %d", o.Level0FileCountTrigger)
	}
	if o.TombstoneRatioTrigger < 0 || o.TombstoneRatioTrigger >= 1 {
		return fmt.Errorf("slab: TombstoneRatioTrigger must be in [0, 1), got %g", o.TombstoneRatioTrigger)
	}
	if o.MaxOutputFileSize == 0 {
		return fmt.Errorf("slab: MaxOutputFileSize must be positive")
	}
	switch o.WALSyncMode {
	case WALSyncEveryWrite, WALSyncBatched:
	default:
		return fmt.Errorf("slab: unknown WALSyncMode %d", int(o.WALSyncMode))
	}
	if o.WALSyncMode == WALSyncBatched && o.WALBatchInterval <= 0 {
		return fmt.Errorf("slab: WALBatchInterval must be positive in batched mode, got %v", o.WALBatchInterval)
	}
	return nil
}

// withDefaults fills the pluggable dependencies.
func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}
