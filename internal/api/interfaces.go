package api

import (
	"context"

	"github.com/benbazus/qub-drive-sub000/internal/collab"
	"github.com/benbazus/qub-drive-sub000/internal/models"
)

// This package is the consumer of the collaboration and repository layers, so
// the interfaces it needs live here. Only the methods the handlers actually
// call are declared.

// SessionSource is what handlers need from the session registry.
type SessionSource interface {
	Get(resourceID string) *collab.Session
	Count() int
}

// ConflictLister serves persisted pending conflicts for sessions that are no
// longer live in memory.
type ConflictLister interface {
	ListPending(ctx context.Context, resourceID string) ([]*models.Conflict, error)
}

// HistoryLister serves the persisted change history.
type HistoryLister interface {
	ListEntries(ctx context.Context, resourceID string, limit, offset int) ([]*models.ChangeEntry, error)
}
