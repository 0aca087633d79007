package repository

import (
	"peersync/internal/model"
	"time"

	"gorm.io/gorm"
)

type HistoryRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Save(txID string, op model.SyncOperation, bytes int64, opErr error) error {
	status := model.StatusSuccess
	errMsg := ""
	if opErr != nil {
		status = model.StatusFailed
		errMsg = opErr.Error()
	}

	history := model.History{
		TransactionID: txID,
		Status:        status,
		Op:            op.Kind,
		Path:          op.Path,
		Bytes:         bytes,
		ErrMsg:        errMsg,
		SyncedAt:      time.Now(),
	}

	return r.db.Create(&history).Error
}

func (r *HistoryRepository) SaveQueued(op model.SyncOperation) error {
	return r.db.Create(&model.History{
		Status:   model.StatusQueued,
		Op:       op.Kind,
		Path:     op.Path,
		SyncedAt: time.Now(),
	}).Error
}

type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

func (r *HistoryRepository) GetStats() (Stats, error) {
	var stats Stats
	if err := r.db.Model(&model.History{}).
		Where("status <> ?", model.StatusQueued).
		Count(&stats.Total).Error; err != nil {
		return stats, err
	}

	if err := r.db.Model(&model.History{}).
		Where("status = ?", model.StatusSuccess).
		Count(&stats.Success).Error; err != nil {
		return stats, err
	}

	stats.Failed = stats.Total - stats.Success
	return stats, nil
}

func (r *HistoryRepository) GetRecent(limit int) ([]model.History, error) {
	var histories []model.History
	result := r.db.
		Order("synced_at desc").
		Order("id desc").
		Limit(limit).
		Find(&histories)

	return histories, result.Error
}

func (r *HistoryRepository) GetFailed() ([]model.History, error) {
	var histories []model.History
	result := r.db.
		Where("status = ?", model.StatusFailed).
		Order("synced_at desc").
		Find(&histories)

	return histories, result.Error
}
