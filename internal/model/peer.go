package model

import "time"

type PeerRecord struct {
	NodeID    string `gorm:"primaryKey"`
	Addr      string `gorm:"not null"`
	Device    string
	LastSeen  time.Time
	Online    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PeerInfo struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	Device   string    `json:"device,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

func (p PeerRecord) Info() PeerInfo {
	return PeerInfo{
		NodeID:   p.NodeID,
		Addr:     p.Addr,
		Device:   p.Device,
		LastSeen: p.LastSeen,
		Online:   p.Online,
	}
}
