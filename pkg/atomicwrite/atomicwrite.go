// Package atomicwrite provides write-then-rename file emission so readers
// of a destination path never observe a partially written file.
package atomicwrite

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File calls write with a handle to a temporary file in the same directory
// as path, then renames it onto path. The rename is atomic on POSIX
// filesystems, so concurrent readers see either the old content or the
// fully formed new content.
func File(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file onto destination: %w", err)
	}

	return nil
}
