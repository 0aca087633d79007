package repository

import (
	"errors"
	"fmt"
	"peersync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRepository persists the last-known synced entry of every path.
type CacheRepository struct {
	db *gorm.DB
}

func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

func (r *CacheRepository) Put(entry model.FileEntry) error {
	row := model.NewCachedEntry(entry)
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (r *CacheRepository) Delete(path string) error {
	return r.db.Where("path = ?", path).Delete(&model.CachedEntry{}).Error
}

func (r *CacheRepository) Get(path string) (model.FileEntry, bool, error) {
	var row model.CachedEntry
	err := r.db.Where("path = ?", path).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.FileEntry{}, false, nil
	}
	if err != nil {
		return model.FileEntry{}, false, err
	}

	entry, err := row.Entry()
	if err != nil {
		return model.FileEntry{}, false, fmt.Errorf("failed to decode cached entry %s: %w", path, err)
	}

	return entry, true, nil
}

func (r *CacheRepository) All() (map[string]model.FileEntry, error) {
	var rows []model.CachedEntry
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make(map[string]model.FileEntry, len(rows))
	for _, row := range rows {
		entry, err := row.Entry()
		if err != nil {
			return nil, fmt.Errorf("failed to decode cached entry %s: %w", row.Path, err)
		}
		entries[row.Path] = entry
	}

	return entries, nil
}
