package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// TempSuffix marks in-progress writes. Scanners must ignore it.
const TempSuffix = ".peersync.tmp"

// AtomicWrite streams r into a sibling temp file, syncs it and renames it
// over dst, so readers observe either the old or the new content.
func AtomicWrite(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename: %w", err)
	}

	return nil
}

// AtomicWriteFile is AtomicWrite followed by restoring the modification
// time, so a later scan sees the recorded timestamp.
func AtomicWriteFile(dst string, r io.Reader, modTime time.Time) error {
	if err := AtomicWrite(dst, r); err != nil {
		return err
	}

	if modTime.IsZero() {
		return nil
	}

	if err := os.Chtimes(dst, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set mtime: %w", err)
	}

	return nil
}

func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// RemoveEmptyParents removes empty directories from dir up to, but not
// including, root.
func RemoveEmptyParents(root, dir string) {
	for dir != root && len(dir) > len(root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
