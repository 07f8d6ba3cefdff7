package models

import (
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/ot"
	"github.com/segmentio/ksuid"
)

// ConflictType classifies why two edits disagreed.
type ConflictType string

const (
	ConflictConcurrentEdit  ConflictType = "concurrent_edit"
	ConflictVersionMismatch ConflictType = "version_mismatch"
	ConflictFormat          ConflictType = "format_conflict"
	ConflictLock            ConflictType = "lock_conflict"
)

// Resolution states how (or whether) a conflict was settled.
type Resolution string

const (
	ResolutionAuto    Resolution = "auto"
	ResolutionManual  Resolution = "manual"
	ResolutionPending Resolution = "pending"
)

// Conflict records a detected disagreement between a client's assumed version
// and the session's actual state. A version conflict is never a hard error:
// it is either transformed and applied automatically or parked here pending a
// manual choice.
type Conflict struct {
	ID         string       `json:"id"`
	ResourceID string       `json:"resourceId"`
	Type       ConflictType `json:"conflictType"`

	// TargetVersion is the session version the conflicting operations were
	// submitted against; resolution rebases from here.
	TargetVersion uint64         `json:"targetVersion,omitempty"`
	Operations    []ot.Operation `json:"operations,omitempty"`
	Edits         []*CellEdit    `json:"edits,omitempty"`
	Resolution    Resolution     `json:"resolution"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewConflict opens a pending conflict record.
func NewConflict(resourceID string, conflictType ConflictType) *Conflict {
	return &Conflict{
		ID:         ksuid.New().String(),
		ResourceID: resourceID,
		Type:       conflictType,
		Resolution: ResolutionPending,
		CreatedAt:  time.Now(),
	}
}

// Resolve marks the conflict settled.
func (c *Conflict) Resolve(how Resolution, by string) {
	now := time.Now()
	c.Resolution = how
	c.ResolvedBy = by
	c.ResolvedAt = &now
}

// Pending reports whether the conflict still needs attention.
func (c *Conflict) Pending() bool {
	return c.Resolution == ResolutionPending
}
