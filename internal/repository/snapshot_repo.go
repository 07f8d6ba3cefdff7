package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbazus/qub-drive-sub000/internal/models"

	"gorm.io/gorm"
)

// SnapshotRepositoryImpl is the narrow persistence collaborator owned by
// document storage: load the durable state when a session is created, save
// it back as operations are applied.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// LoadSnapshot returns the stored content and version for a resource, or
// ("", 0) when the resource has no snapshot yet.
func (r *SnapshotRepositoryImpl) LoadSnapshot(ctx context.Context, resourceID string) (string, uint64, error) {
	var record models.SnapshotRecord
	err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return record.Content, record.Version, nil
}

// SaveSnapshot upserts the durable state for a resource.
func (r *SnapshotRepositoryImpl) SaveSnapshot(ctx context.Context, resourceID string, kind models.ResourceKind, content string, version uint64) error {
	record := &models.SnapshotRecord{
		ResourceID: resourceID,
		Kind:       string(kind),
		Content:    content,
		Version:    version,
	}
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
