package model

import (
	"fmt"
	"strings"
	"time"
)

type ConflictType string

const (
	ConflictContentModified ConflictType = "content_modified"
	ConflictDeletedRemotely ConflictType = "deleted_remotely"
	ConflictDeletedLocally  ConflictType = "deleted_locally"
	ConflictBothModified    ConflictType = "both_modified"
)

type ConflictPolicy string

const (
	PolicyLastWriteWins  ConflictPolicy = "last_write_wins"
	PolicyFirstWriteWins ConflictPolicy = "first_write_wins"
	PolicyKeepBoth       ConflictPolicy = "keep_both"
	PolicyManual         ConflictPolicy = "manual"
	PolicyAutoMerge      ConflictPolicy = "auto_merge"
)

func ParsePolicy(s string) (ConflictPolicy, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	switch p := ConflictPolicy(normalized); p {
	case PolicyLastWriteWins, PolicyFirstWriteWins, PolicyKeepBoth, PolicyManual, PolicyAutoMerge:
		return p, nil
	case "lastwritewins":
		return PolicyLastWriteWins, nil
	case "firstwritewins":
		return PolicyFirstWriteWins, nil
	case "keepboth":
		return PolicyKeepBoth, nil
	case "automerge":
		return PolicyAutoMerge, nil
	default:
		return "", fmt.Errorf("unknown conflict policy: %q", s)
	}
}

// ConflictInfo pairs the diverging local and remote entries of one path.
// Local is nil when the file was deleted locally, Remote is a tombstone
// when it was deleted remotely.
type ConflictInfo struct {
	Path       string       `json:"path"`
	Type       ConflictType `json:"type"`
	Local      *FileEntry   `json:"local,omitempty"`
	Remote     *FileEntry   `json:"remote,omitempty"`
	Base       *FileEntry   `json:"base,omitempty"`
	Resolved   bool         `json:"resolved"`
	DetectedAt time.Time    `json:"detected_at"`
	BackupPath string       `json:"backup_path,omitempty"`
}

// NextVersion is the version an operation resolving c must carry to
// supersede both sides.
func (c ConflictInfo) NextVersion() uint64 {
	var v uint64
	for _, e := range []*FileEntry{c.Local, c.Remote, c.Base} {
		if e != nil && e.Version > v {
			v = e.Version
		}
	}

	return v + 1
}
