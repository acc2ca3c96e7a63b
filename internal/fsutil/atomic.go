package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirMode is the permission for directories created on demand under the
// workspace dot-dir.
const DirMode = 0o755

// WriteFileAtomic writes data through a temp file and a rename so readers
// never observe a partially written file. The surface, cursor and per-turn
// log writers all go through here; a crash mid-write leaves the previous
// file intact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("fsutil: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".franz-*")
	if err != nil {
		return fmt.Errorf("fsutil: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := writeAndClose(tmp, data); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("fsutil: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("fsutil: rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsutil: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsutil: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsutil: close temp file: %w", err)
	}
	return nil
}

// syncDir makes the rename durable. Errors are ignored: the data file is
// already in place.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
