package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbazus/qub-drive-sub000/internal/models"

	"gorm.io/gorm"
)

// ConflictRepositoryImpl mirrors conflict records for audit and for the
// manual-resolution listing endpoints.
type ConflictRepositoryImpl struct {
	db *gorm.DB
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db *gorm.DB) *ConflictRepositoryImpl {
	return &ConflictRepositoryImpl{db: db}
}

// SaveConflict upserts a conflict in its current state.
func (r *ConflictRepositoryImpl) SaveConflict(ctx context.Context, conflict *models.Conflict) error {
	payload, err := json.Marshal(conflict)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}

	record := &models.ConflictRecord{
		ID:         conflict.ID,
		ResourceID: conflict.ResourceID,
		Type:       string(conflict.Type),
		Payload:    payload,
		Resolution: string(conflict.Resolution),
		ResolvedBy: conflict.ResolvedBy,
		ResolvedAt: conflict.ResolvedAt,
		CreatedAt:  conflict.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// ListPending returns unresolved conflicts for a resource, oldest first.
func (r *ConflictRepositoryImpl) ListPending(ctx context.Context, resourceID string) ([]*models.Conflict, error) {
	var records []*models.ConflictRecord
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND resolution = ?", resourceID, string(models.ResolutionPending)).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}

	conflicts := make([]*models.Conflict, 0, len(records))
	for _, rec := range records {
		var c models.Conflict
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", rec.ID, err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, nil
}
