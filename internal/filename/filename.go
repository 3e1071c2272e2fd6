// Package filename defines the on-disk naming scheme of a database
// directory and parsing back from names to file types.
//
// Layout of a database directory:
//
//	CURRENT            names the active manifest
//	MANIFEST-000004    manifest log
//	000007.wal         WAL segment
//	000009.sst         table file
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FileType classifies the files in a database directory.
type FileType int

const (
	// TypeUnknown is any file the engine does not own.
	TypeUnknown FileType = iota
	// TypeCurrent is the CURRENT pointer file.
	TypeCurrent
	// TypeManifest is a manifest log file.
	TypeManifest
	// TypeWAL is a write-ahead log segment.
	TypeWAL
	// TypeTable is an SSTable file.
	TypeTable
	// TypeTemp is a temporary file pending rename.
	TypeTemp
)

// CurrentFileName returns the path of the CURRENT pointer file.
func CurrentFileName(dir string) string {
	return filepath.Join(dir, "CURRENT")
}

// ManifestFileName returns the path of manifest log number num.
func ManifestFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", num))
}

// WALFileName returns the path of WAL segment number num.
func WALFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", num))
}

// TableFileName returns the path of table file number num.
func TableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

// TempFileName returns a temporary path for file number num.
func TempFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.tmp", num))
}

// Parse classifies a bare file name (no directory) and extracts its
// number where applicable.
func Parse(name string) (FileType, uint64) {
	switch {
	case name == "CURRENT":
		return TypeCurrent, 0

	case strings.HasPrefix(name, "MANIFEST-"):
		num, err := strconv.ParseUint(strings.TrimPrefix(name, "MANIFEST-"), 10, 64)
		if err != nil {
			return TypeUnknown, 0
		}
		return TypeManifest, num

	case strings.HasSuffix(name, ".wal"):
		num, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			return TypeUnknown, 0
		}
		return TypeWAL, num

	case strings.HasSuffix(name, ".sst"):
		num, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil {
			return TypeUnknown, 0
		}
		return TypeTable, num

	case strings.HasSuffix(name, ".tmp"):
		num, err := strconv.ParseUint(strings.TrimSuffix(name, ".tmp"), 10, 64)
		if err != nil {
			return TypeUnknown, 0
		}
		return TypeTemp, num

	default:
		return TypeUnknown, 0
	}
}
