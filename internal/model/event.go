package model

import "time"

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventWrite  EventType = "WRITE"
	EventRemove EventType = "REMOVE"
	EventRename EventType = "RENAME"
)

// FileEvent is a change reported by the watcher. Path is absolute, Rel is
// relative to the workspace root with forward slashes.
type FileEvent struct {
	Type      EventType
	Path      string
	Rel       string
	Timestamp time.Time
}

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Host event names.
const (
	EventSyncProgress      = "sync_progress"
	EventSyncStatusUpdated = "sync_status_updated"
	EventSyncError         = "sync_error"
	EventSyncConflict      = "sync_conflict"
	EventStateChanged      = "state_changed"
)

type Event struct {
	Name    string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type ProgressPayload struct {
	File      string `json:"file"`
	Status    string `json:"status"`
	IsDeleted bool   `json:"is_deleted"`
	Percent   int    `json:"percent"`
}

type StatusPayload struct {
	FilesUploaded   int64     `json:"files_uploaded"`
	FilesDownloaded int64     `json:"files_downloaded"`
	Timestamp       time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

type ConflictPayload struct {
	Paths []string `json:"paths"`
}
