package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// ChangeEntry is one line of a session's change history: a human-readable
// record of an applied edit, kept for undo and audit.
type ChangeEntry struct {
	ID          string    `json:"id"`
	ResourceID  string    `json:"resourceId"`
	UserID      string    `json:"userId"`
	EditID      string    `json:"editId,omitempty"`
	Description string    `json:"description"`
	Version     uint64    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewChangeEntry stamps a history entry for an applied edit.
func NewChangeEntry(resourceID, userID, editID, description string, version uint64) *ChangeEntry {
	return &ChangeEntry{
		ID:          ksuid.New().String(),
		ResourceID:  resourceID,
		UserID:      userID,
		EditID:      editID,
		Description: description,
		Version:     version,
		Timestamp:   time.Now(),
	}
}
