package collab

import (
	"context"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

// This package is the consumer of persistence and identity, so the interfaces
// it needs are declared here; implementations live in repository/services.

// SnapshotLoader provides the durable state a session starts from. Owned by
// document/spreadsheet storage.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, resourceID string) (content string, version uint64, err error)
}

// OperationLoader replays a tail of the durable operation log so a rehydrated
// session can answer sync_request for versions older than its snapshot window.
type OperationLoader interface {
	ListOperationsSince(ctx context.Context, resourceID string, fromVersion uint64) ([]ot.Operation, error)
}

// Persister receives applied state for durable mirroring. Implementations
// must not block the caller: sessions invoke these from their event loop.
type Persister interface {
	PersistOperation(resourceID string, op ot.Operation)
	PersistCellEdit(resourceID string, edit *models.CellEdit)
	SaveConflict(conflict *models.Conflict)
	AppendHistory(entry *models.ChangeEntry)
	SaveSnapshot(resourceID string, kind models.ResourceKind, content string, version uint64)
}

// IdentityResolver maps a user id to a display profile. Owned by auth.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, userID string) (displayName string, err error)
}

// NopPersister discards everything. Used in tests and when running without a
// database.
type NopPersister struct{}

func (NopPersister) PersistOperation(string, ot.Operation)                    {}
func (NopPersister) PersistCellEdit(string, *models.CellEdit)                 {}
func (NopPersister) SaveConflict(*models.Conflict)                            {}
func (NopPersister) AppendHistory(*models.ChangeEntry)                        {}
func (NopPersister) SaveSnapshot(string, models.ResourceKind, string, uint64) {}

// EmptySnapshots loads nothing: every session starts blank at version 0.
type EmptySnapshots struct{}

func (EmptySnapshots) LoadSnapshot(context.Context, string) (string, uint64, error) {
	return "", 0, nil
}
