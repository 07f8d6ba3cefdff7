package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Persistence rows for the collaboration log. Each applied operation, opened
// conflict and history line is mirrored to postgres so a restarted server can
// rehydrate a session and serve sync_request catch-ups.

// OperationRecord stores one applied operation or cell edit as its JSON
// payload, keyed by the version it produced.
type OperationRecord struct {
	ID         string    `gorm:"type:char(27);primaryKey" json:"id"`
	ResourceID string    `gorm:"type:varchar(64);not null;index:idx_resource_version" json:"resource_id"`
	UserID     string    `gorm:"type:varchar(64);not null" json:"user_id"`
	Kind       string    `gorm:"type:varchar(32);not null" json:"kind"`
	Payload    []byte    `gorm:"type:jsonb;not null" json:"-"`
	Version    uint64    `gorm:"not null;index:idx_resource_version" json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

func (OperationRecord) TableName() string {
	return "collab_operations"
}

// ConflictRecord mirrors a Conflict for audit and manual-resolution listing.
type ConflictRecord struct {
	ID         string     `gorm:"type:char(27);primaryKey" json:"id"`
	ResourceID string     `gorm:"type:varchar(64);not null;index" json:"resource_id"`
	Type       string     `gorm:"type:varchar(32);not null" json:"type"`
	Payload    []byte     `gorm:"type:jsonb" json:"-"`
	Resolution string     `gorm:"type:varchar(16);not null;default:'pending'" json:"resolution"`
	ResolvedBy string     `gorm:"type:varchar(64)" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (ConflictRecord) TableName() string {
	return "collab_conflicts"
}

// SnapshotRecord is the durable document state loaded on first join.
type SnapshotRecord struct {
	ResourceID string    `gorm:"type:varchar(64);primaryKey" json:"resource_id"`
	Kind       string    `gorm:"type:varchar(16);not null" json:"kind"`
	Content    string    `gorm:"type:text" json:"content"`
	Version    uint64    `gorm:"not null" json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (SnapshotRecord) TableName() string {
	return "collab_snapshots"
}

// ChangeRecord is the durable mirror of a ChangeEntry.
type ChangeRecord struct {
	ID          string    `gorm:"type:char(27);primaryKey" json:"id"`
	ResourceID  string    `gorm:"type:varchar(64);not null;index" json:"resource_id"`
	UserID      string    `gorm:"type:varchar(64);not null" json:"user_id"`
	EditID      string    `gorm:"type:char(27)" json:"edit_id,omitempty"`
	Description string    `gorm:"type:text;not null" json:"description"`
	Version     uint64    `gorm:"not null" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ChangeRecord) TableName() string {
	return "collab_history"
}
