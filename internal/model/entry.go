package model

import (
	"peersync/internal/hashing"
	"time"
)

// FileEntry is the metadata of one tracked file at one version. A change
// produces a new entry with a higher version; stored entries are never
// mutated.
type FileEntry struct {
	Path    string           `json:"path"`
	Size    int64            `json:"size"`
	ModTime time.Time        `json:"modified"`
	Hash    hashing.Digest   `json:"hash"`
	Chunks  []hashing.Digest `json:"chunks,omitempty"`
	Version uint64           `json:"version"`
	Author  string           `json:"author"`
	Deleted bool             `json:"deleted,omitempty"`
}

// Tombstone returns the deletion marker superseding e.
func (e FileEntry) Tombstone(author string, version uint64, at time.Time) FileEntry {
	return FileEntry{
		Path:    e.Path,
		ModTime: at,
		Hash:    e.Hash,
		Version: version,
		Author:  author,
		Deleted: true,
	}
}

func (e FileEntry) Live() bool {
	return !e.Deleted
}

// Newer orders two entries of the same path: higher version first, then
// later modification, then author id so the order is total.
func (e FileEntry) Newer(o FileEntry) bool {
	if e.Version != o.Version {
		return e.Version > o.Version
	}
	if !e.ModTime.Equal(o.ModTime) {
		return e.ModTime.After(o.ModTime)
	}

	return e.Author > o.Author
}
