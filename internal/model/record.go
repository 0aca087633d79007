package model

import "time"

// LogRecord is one author's latest entry for a key of the replicated
// metadata log. Value holds the JSON-encoded FileEntry.
type LogRecord struct {
	Namespace string    `gorm:"primaryKey" json:"namespace"`
	Path      string    `gorm:"primaryKey" json:"path"`
	Author    string    `gorm:"primaryKey" json:"author"`
	Seq       uint64    `gorm:"not null;index" json:"seq"`
	Version   uint64    `gorm:"not null" json:"version"`
	Deleted   bool      `json:"deleted,omitempty"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
