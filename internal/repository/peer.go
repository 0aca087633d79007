package repository

import (
	"peersync/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PeerRepository struct {
	db *gorm.DB
}

func NewPeerRepository(db *gorm.DB) *PeerRepository {
	return &PeerRepository{db: db}
}

func (r *PeerRepository) Upsert(peer model.PeerRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"addr", "device", "last_seen", "online", "updated_at"}),
	}).Create(&peer).Error
}

func (r *PeerRepository) MarkSeen(nodeID string, online bool) error {
	updates := map[string]any{"online": online}
	if online {
		updates["last_seen"] = time.Now()
	}

	return r.db.Model(&model.PeerRecord{}).
		Where("node_id = ?", nodeID).
		Updates(updates).Error
}

// GetAll returns peers, most recently seen first.
func (r *PeerRepository) GetAll() ([]model.PeerRecord, error) {
	var peers []model.PeerRecord
	result := r.db.Order("last_seen desc").Order("node_id").Find(&peers)
	return peers, result.Error
}
