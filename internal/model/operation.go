package model

import (
	"fmt"
	"peersync/internal/hashing"
)

type OpKind string

const (
	OpUpload   OpKind = "upload"
	OpDownload OpKind = "download"
	OpDelete   OpKind = "delete"
)

// SyncOperation is produced by the planner or the conflict manager and
// consumed once by the executor. Local marks a delete that removes the
// workspace file instead of publishing a tombstone.
type SyncOperation struct {
	ID    string         `json:"id"`
	Kind  OpKind         `json:"kind"`
	Path  string         `json:"path"`
	Entry FileEntry      `json:"entry"`
	Hash  hashing.Digest `json:"hash"`
	Size  int64          `json:"size"`
	Local bool           `json:"local,omitempty"`
}

func opID(kind OpKind, path string, version uint64, local bool) string {
	if local {
		return fmt.Sprintf("%s-local:%s@%d", kind, path, version)
	}

	return fmt.Sprintf("%s:%s@%d", kind, path, version)
}

func NewUpload(entry FileEntry) SyncOperation {
	return SyncOperation{
		ID:    opID(OpUpload, entry.Path, entry.Version, false),
		Kind:  OpUpload,
		Path:  entry.Path,
		Entry: entry,
		Hash:  entry.Hash,
		Size:  entry.Size,
	}
}

func NewDownload(entry FileEntry) SyncOperation {
	return SyncOperation{
		ID:    opID(OpDownload, entry.Path, entry.Version, false),
		Kind:  OpDownload,
		Path:  entry.Path,
		Entry: entry,
		Hash:  entry.Hash,
		Size:  entry.Size,
	}
}

// NewDelete publishes the tombstone entry for a file removed locally.
func NewDelete(tombstone FileEntry) SyncOperation {
	return SyncOperation{
		ID:    opID(OpDelete, tombstone.Path, tombstone.Version, false),
		Kind:  OpDelete,
		Path:  tombstone.Path,
		Entry: tombstone,
	}
}

// NewLocalDelete applies a remote tombstone to the workspace.
func NewLocalDelete(tombstone FileEntry) SyncOperation {
	return SyncOperation{
		ID:    opID(OpDelete, tombstone.Path, tombstone.Version, true),
		Kind:  OpDelete,
		Path:  tombstone.Path,
		Entry: tombstone,
		Local: true,
	}
}

func (o SyncOperation) String() string {
	return o.ID
}
