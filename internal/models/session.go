package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// ResourceKind distinguishes what a session collaborates on.
type ResourceKind string

const (
	ResourceDocument    ResourceKind = "document"
	ResourceSpreadsheet ResourceKind = "spreadsheet"
)

// Connection identifies one WebSocket attachment to a resource. A user can
// hold several connections (tabs); presence is keyed by user, connections by
// this record.
type Connection struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resourceId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// NewConnection stamps a connection record with a fresh ksuid.
func NewConnection(resourceID, userID, userName string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           ksuid.New().String(),
		ResourceID:   resourceID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}

// SessionInfo is the read-only snapshot of a live session exposed over REST.
type SessionInfo struct {
	ResourceID       string       `json:"resourceId"`
	Kind             ResourceKind `json:"kind"`
	Version          uint64       `json:"version"`
	Users            []*User      `json:"users"`
	ActiveLocks      int          `json:"activeLocks"`
	PendingConflicts int          `json:"pendingConflicts"`
	IsActive         bool         `json:"isActive"`
}
