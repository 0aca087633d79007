package model

import (
	"peersync/internal/hashing"
	"time"

	"github.com/goccy/go-json"
)

// CachedEntry is the last-known synced state of a path, used as the common
// ancestor by the planner and as a hash cache by the scanner.
type CachedEntry struct {
	Path    string `gorm:"primaryKey"`
	Hash    string `gorm:"not null"`
	Size    int64
	ModTime time.Time
	Version uint64
	Author  string
	Chunks  string
}

func NewCachedEntry(e FileEntry) CachedEntry {
	chunks, _ := json.Marshal(e.Chunks)
	return CachedEntry{
		Path:    e.Path,
		Hash:    e.Hash.String(),
		Size:    e.Size,
		ModTime: e.ModTime.UTC(),
		Version: e.Version,
		Author:  e.Author,
		Chunks:  string(chunks),
	}
}

func (c CachedEntry) Entry() (FileEntry, error) {
	hash, err := hashing.ParseDigest(c.Hash)
	if err != nil {
		return FileEntry{}, err
	}

	var chunks []hashing.Digest
	if c.Chunks != "" && c.Chunks != "null" {
		if err := json.Unmarshal([]byte(c.Chunks), &chunks); err != nil {
			return FileEntry{}, err
		}
	}

	return FileEntry{
		Path:    c.Path,
		Size:    c.Size,
		ModTime: c.ModTime,
		Hash:    hash,
		Chunks:  chunks,
		Version: c.Version,
		Author:  c.Author,
	}, nil
}
