// Package main provides the manifestdump tool: it decodes the version
// edits in a manifest file and prints each edit plus the final per-level
// file set.
//
// Usage:
//
//	manifestdump <MANIFEST-file>
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/slabdb/slab/internal/manifest"
	"github.com/slabdb/slab/internal/vfs"
	"github.com/slabdb/slab/internal/wal"
)

var quiet = flag.Bool("q", false, "Only print the final file set")

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: manifestdump [-q] <MANIFEST-file>")
		os.Exit(1)
	}
	if err := dump(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type stderrReporter struct{}

func (stderrReporter) Corruption(bytes int, err error) {
	fmt.Fprintf(os.Stderr, "warning: truncated tail (%d bytes): %v\n", bytes, err)
}

func dump(path string) error {
	f, err := vfs.Default().Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// Final live set per level, number -> size.
	type levelState map[uint64]uint64
	var levels []levelState

	reader := wal.NewReader(f, stderrReporter{})
	count := 0
	for {
		rec, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		edit := &manifest.VersionEdit{}
		if err := edit.DecodeFrom(rec); err != nil {
			return fmt.Errorf("edit %d: %w", count, err)
		}
		if !*quiet {
			fmt.Printf("edit %d: %s\n", count, edit)
		}
		for _, df := range edit.DeletedFiles {
			if df.Level < len(levels) {
				delete(levels[df.Level], df.Number)
			}
		}
		for _, nf := range edit.NewFiles {
			for nf.Level >= len(levels) {
				levels = append(levels, levelState{})
			}
			levels[nf.Level][nf.Meta.Number] = nf.Meta.Size
		}
		count++
	}

	fmt.Printf("%d edits\n", count)
	for level, files := range levels {
		if len(files) == 0 {
			continue
		}
		fmt.Printf("L%d:", level)
		for num, size := range files {
			fmt.Printf(" %06d.sst(%dB)", num, size)
		}
		fmt.Println()
	}
	return nil
}
