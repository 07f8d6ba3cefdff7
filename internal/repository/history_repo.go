package repository

import (
	"context"
	"fmt"

	"github.com/benbazus/qub-drive-sub000/internal/models"

	"gorm.io/gorm"
)

// HistoryRepositoryImpl is the durable mirror of the in-memory change-history
// ring: every applied edit's human-readable description, for audit.
type HistoryRepositoryImpl struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *gorm.DB) *HistoryRepositoryImpl {
	return &HistoryRepositoryImpl{db: db}
}

// AppendEntry stores one change-history line.
func (r *HistoryRepositoryImpl) AppendEntry(ctx context.Context, entry *models.ChangeEntry) error {
	record := &models.ChangeRecord{
		ID:          entry.ID,
		ResourceID:  entry.ResourceID,
		UserID:      entry.UserID,
		EditID:      entry.EditID,
		Description: entry.Description,
		Version:     entry.Version,
		CreatedAt:   entry.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// ListEntries returns history lines for a resource, newest first.
func (r *HistoryRepositoryImpl) ListEntries(ctx context.Context, resourceID string, limit, offset int) ([]*models.ChangeEntry, error) {
	var records []*models.ChangeRecord
	err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history entries: %w", err)
	}

	entries := make([]*models.ChangeEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, &models.ChangeEntry{
			ID:          rec.ID,
			ResourceID:  rec.ResourceID,
			UserID:      rec.UserID,
			EditID:      rec.EditID,
			Description: rec.Description,
			Version:     rec.Version,
			Timestamp:   rec.CreatedAt,
		})
	}
	return entries, nil
}
