package domain

import (
	"time"
)

// TrackedTicker is a ticker the daemon subscribes to, as kept in the catalog.
type TrackedTicker struct {
	Ticker    string    `gorm:"primaryKey" json:"ticker"`
	Priority  int       `json:"priority" gorm:"index"` // Lower subscribes first
	Active    bool      `json:"active" gorm:"index"`   // Venue reports it tradable
	Source    string    `json:"source"`                // "config" or "discovery"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchiveSegment indexes one rotated event log file.
type ArchiveSegment struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Bytes     int64     `json:"bytes"`
	Records   int64     `json:"records"`
	RotatedAt time.Time `json:"rotated_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}
