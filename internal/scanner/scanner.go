// Package scanner walks a workspace and builds the local FileEntry snapshot.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"peersync/internal/hashing"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Baseline supplies the last known entries so unchanged files are not rehashed.
type Baseline interface {
	All() (map[string]model.FileEntry, error)
}

type Result struct {
	Entries map[string]model.FileEntry
	Scanned int
	Hashed  int
	Skipped int
	// Failed holds the files and directories that could not be read. They
	// are absent from Entries but still exist.
	Failed   []string
	Errors   []error
	Duration time.Duration
}

// hashFile is swapped in tests to simulate read failures.
var hashFile = hashing.HashFile

type Scanner struct {
	root      string
	chunkSize int
	ignore    *Ignore
	baseline  Baseline

	mu       sync.RWMutex
	snapshot map[string]model.FileEntry
}

func New(root string, chunkSize int, ignore *Ignore, baseline Baseline) *Scanner {
	if chunkSize <= 0 {
		chunkSize = hashing.DefaultChunkSize
	}

	return &Scanner{
		root:      root,
		chunkSize: chunkSize,
		ignore:    ignore,
		baseline:  baseline,
		snapshot:  map[string]model.FileEntry{},
	}
}

func (s *Scanner) Root() string {
	return s.root
}

func (s *Scanner) Ignored(rel string) bool {
	return s.ignore.Match(rel)
}

// Snapshot returns a copy of the entries produced by the last completed scan.
func (s *Scanner) Snapshot() map[string]model.FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.snapshot)
}

// Scan walks the workspace and replaces the snapshot once the walk
// finishes. Files that cannot be read are skipped and reported in Errors.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	start := time.Now()

	known := map[string]model.FileEntry{}
	if s.baseline != nil {
		base, err := s.baseline.All()
		if err != nil {
			logger.Log.Warn("failed to load cached entries", zap.Error(err))
		} else {
			known = base
		}
	}

	res := Result{Entries: make(map[string]model.FileEntry)}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			if rel == "." {
				return err
			}
			res.Skipped++
			res.Failed = append(res.Failed, rel)
			res.Errors = append(res.Errors, syncerr.WrapPath(syncerr.KindFileSystem, "scan", rel, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if rel == "." {
			return nil
		}

		if s.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		res.Scanned++

		entry, hashed, err := s.entry(path, rel, known[rel])
		if err != nil {
			res.Skipped++
			res.Failed = append(res.Failed, rel)
			res.Errors = append(res.Errors, err)
			logger.Log.Debug("skipping unreadable file", zap.String("path", rel), zap.Error(err))
			return nil
		}
		if hashed {
			res.Hashed++
		}

		res.Entries[rel] = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, syncerr.Wrap(syncerr.KindCancelled, "scan", err)
		}
		return res, syncerr.WrapPath(syncerr.KindFileSystem, "scan", s.root, err)
	}

	res.Duration = time.Since(start)

	s.mu.Lock()
	s.snapshot = res.Entries
	s.mu.Unlock()

	logger.Log.Debug("scan complete",
		zap.Int("files", res.Scanned),
		zap.Int("hashed", res.Hashed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("took", res.Duration))

	return res, nil
}

// Stat hashes a single workspace file. The boolean is false when the file
// no longer exists or is ignored.
func (s *Scanner) Stat(rel string, prev model.FileEntry) (model.FileEntry, bool, error) {
	rel = filepath.ToSlash(rel)
	if s.ignore.Match(rel) {
		return model.FileEntry{}, false, nil
	}

	path := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.FileEntry{}, false, nil
	}
	if err != nil {
		return model.FileEntry{}, false, syncerr.WrapPath(syncerr.KindFileSystem, "stat", rel, err)
	}
	if !info.Mode().IsRegular() {
		return model.FileEntry{}, false, nil
	}

	entry, _, err := s.entry(path, rel, prev)
	if err != nil {
		return model.FileEntry{}, false, err
	}

	return entry, true, nil
}

func (s *Scanner) entry(path, rel string, prev model.FileEntry) (model.FileEntry, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.FileEntry{}, false, syncerr.WrapPath(syncerr.KindFileSystem, "stat", rel, err)
	}

	modTime := NormalizeTime(info.ModTime())

	if prev.Path == rel && !prev.Deleted && prev.Size == info.Size() && prev.ModTime.Equal(modTime) && !prev.Hash.IsZero() {
		return model.FileEntry{
			Path:    rel,
			Size:    prev.Size,
			ModTime: modTime,
			Hash:    prev.Hash,
			Chunks:  prev.Chunks,
			Version: prev.Version,
			Author:  prev.Author,
		}, false, nil
	}

	res, err := hashFile(path, s.chunkSize)
	if err != nil {
		return model.FileEntry{}, false, err
	}

	return model.FileEntry{
		Path:    rel,
		Size:    res.Size,
		ModTime: modTime,
		Hash:    res.Hash,
		Chunks:  res.Chunks,
		Version: prev.Version,
		Author:  prev.Author,
	}, true, nil
}

// NormalizeTime drops precision that filesystems and the cache do not keep.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
