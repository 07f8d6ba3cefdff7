package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"

	"gorm.io/gorm"
)

// OperationRepositoryImpl persists the per-resource operation log. The log
// backs sync_request catch-ups and session rehydration after a restart.
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// PersistOperation stores one applied text operation at its version slot.
func (r *OperationRepositoryImpl) PersistOperation(ctx context.Context, resourceID string, op ot.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	record := &models.OperationRecord{
		ResourceID: resourceID,
		UserID:     op.UserID,
		Kind:       string(op.Kind),
		Payload:    payload,
		Version:    op.Version,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to persist operation: %w", err)
	}
	return nil
}

// PersistCellEdit stores one applied spreadsheet edit at its version slot.
func (r *OperationRepositoryImpl) PersistCellEdit(ctx context.Context, resourceID string, edit *models.CellEdit) error {
	payload, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("failed to marshal cell edit: %w", err)
	}

	record := &models.OperationRecord{
		ResourceID: resourceID,
		UserID:     edit.UserID,
		Kind:       string(edit.Operation.Kind),
		Payload:    payload,
		Version:    edit.Version,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to persist cell edit: %w", err)
	}
	return nil
}

// ListOperationsSince returns text operations with version > fromVersion in
// version order. Used to answer sync_request.
func (r *OperationRepositoryImpl) ListOperationsSince(ctx context.Context, resourceID string, fromVersion uint64) ([]ot.Operation, error) {
	records, err := r.listSince(ctx, resourceID, fromVersion)
	if err != nil {
		return nil, err
	}

	ops := make([]ot.Operation, 0, len(records))
	for _, rec := range records {
		var op ot.Operation
		if err := json.Unmarshal(rec.Payload, &op); err != nil {
			return nil, fmt.Errorf("failed to decode operation %s: %w", rec.ID, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ListCellEditsSince returns cell edits with version > fromVersion in version
// order.
func (r *OperationRepositoryImpl) ListCellEditsSince(ctx context.Context, resourceID string, fromVersion uint64) ([]*models.CellEdit, error) {
	records, err := r.listSince(ctx, resourceID, fromVersion)
	if err != nil {
		return nil, err
	}

	edits := make([]*models.CellEdit, 0, len(records))
	for _, rec := range records {
		var edit models.CellEdit
		if err := json.Unmarshal(rec.Payload, &edit); err != nil {
			return nil, fmt.Errorf("failed to decode cell edit %s: %w", rec.ID, err)
		}
		edits = append(edits, &edit)
	}
	return edits, nil
}

func (r *OperationRepositoryImpl) listSince(ctx context.Context, resourceID string, fromVersion uint64) ([]*models.OperationRecord, error) {
	var records []*models.OperationRecord
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND version > ?", resourceID, fromVersion).
		Order("version ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return records, nil
}

// DeleteOldOperations trims the log to the newest keepCount entries per
// resource. Call periodically to prevent unbounded growth.
func (r *OperationRepositoryImpl) DeleteOldOperations(ctx context.Context, resourceID string, keepCount int) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.OperationRecord{}).
		Where("resource_id = ?", resourceID).
		Count(&count).Error; err != nil {
		return err
	}
	if count <= int64(keepCount) {
		return nil
	}

	var cutoff models.OperationRecord
	offset := count - int64(keepCount)
	if err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("version ASC").
		Offset(int(offset)).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("resource_id = ? AND version < ?", resourceID, cutoff.Version).
		Delete(&models.OperationRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete old operations: %w", result.Error)
	}
	return nil
}
