package model

import (
	"time"

	"gorm.io/gorm"
)

type SyncStatus string

const (
	StatusSuccess SyncStatus = "SUCCESS"
	StatusFailed  SyncStatus = "FAILED"
	StatusQueued  SyncStatus = "QUEUED"
)

type History struct {
	gorm.Model
	TransactionID string     `gorm:"index"`
	Status        SyncStatus `gorm:"not null"`
	Op            OpKind     `gorm:"not null"`
	Path          string     `gorm:"not null"`
	Bytes         int64
	ErrMsg        string
	SyncedAt      time.Time `gorm:"not null;index"`
}
