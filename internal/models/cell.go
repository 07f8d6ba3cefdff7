package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// CellRef addresses a single cell within a sheet, e.g. "A1".
type CellRef struct {
	SheetID string `json:"sheetId"`
	Cell    string `json:"cell"`
}

// Key is the map key identifying a cell across lock and indicator maps.
func (r CellRef) Key() string {
	return fmt.Sprintf("%s!%s", r.SheetID, r.Cell)
}

// CellOpKind discriminates spreadsheet operation variants.
type CellOpKind string

const (
	CellUpdate  CellOpKind = "cell_update"
	CellFormat  CellOpKind = "cell_format"
	RangeUpdate CellOpKind = "range_update"
	SheetAdd    CellOpKind = "sheet_add"
	SheetDelete CellOpKind = "sheet_delete"
	SheetRename CellOpKind = "sheet_rename"
)

// CellOperation is the tagged payload of a CellEdit. Which fields are
// meaningful depends on Kind: Value for updates, Format for formatting,
// Range for range updates, SheetName for the sheet variants.
type CellOperation struct {
	Kind      CellOpKind     `json:"kind"`
	Value     string         `json:"value,omitempty"`
	Format    map[string]any `json:"format,omitempty"`
	Range     string         `json:"range,omitempty"`
	SheetName string         `json:"sheetName,omitempty"`
}

// CellEdit is one applied (or pending) spreadsheet mutation. Cell edits use
// last-write semantics rather than transformation: the session applies them
// in arrival order and stamps each with the version it produced.
type CellEdit struct {
	ID        string        `json:"id"`
	CellRef   string        `json:"cellRef"`
	SheetID   string        `json:"sheetId"`
	UserID    string        `json:"userId"`
	Operation CellOperation `json:"operation"`
	Timestamp time.Time     `json:"timestamp"`
	Version   uint64        `json:"version"`
	IsApplied bool          `json:"isApplied"`
}

// NewCellEdit stamps a fresh edit id and timestamp.
func NewCellEdit(cellRef, sheetID, userID string, op CellOperation) *CellEdit {
	return &CellEdit{
		ID:        ksuid.New().String(),
		CellRef:   cellRef,
		SheetID:   sheetID,
		UserID:    userID,
		Operation: op,
		Timestamp: time.Now(),
	}
}

// Ref returns the addressed cell.
func (e *CellEdit) Ref() CellRef {
	return CellRef{SheetID: e.SheetID, Cell: e.CellRef}
}

// Describe renders the human-readable change-history line for the edit.
func (e *CellEdit) Describe(displayName string) string {
	switch e.Operation.Kind {
	case CellUpdate:
		return fmt.Sprintf("%s updated %s!%s", displayName, e.SheetID, e.CellRef)
	case CellFormat:
		return fmt.Sprintf("%s formatted %s!%s", displayName, e.SheetID, e.CellRef)
	case RangeUpdate:
		return fmt.Sprintf("%s updated range %s!%s", displayName, e.SheetID, e.Operation.Range)
	case SheetAdd:
		return fmt.Sprintf("%s added sheet %q", displayName, e.Operation.SheetName)
	case SheetDelete:
		return fmt.Sprintf("%s deleted sheet %q", displayName, e.Operation.SheetName)
	case SheetRename:
		return fmt.Sprintf("%s renamed sheet %s to %q", displayName, e.SheetID, e.Operation.SheetName)
	default:
		return fmt.Sprintf("%s edited %s!%s", displayName, e.SheetID, e.CellRef)
	}
}

// LockType distinguishes why a cell is held.
type LockType string

const (
	LockEdit   LockType = "edit"
	LockFormat LockType = "format"
)

// CellLock is an exclusive, time-bounded claim on one cell. At most one
// active lock exists per cell; only the owner (or expiry) releases it.
type CellLock struct {
	Token     string    `json:"token"`
	CellRef   string    `json:"cellRef"`
	SheetID   string    `json:"sheetId"`
	UserID    string    `json:"userId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	LockType  LockType  `json:"lockType"`
}

// NewCellLock issues a lock held until now+ttl.
func NewCellLock(cellRef, sheetID, userID string, lockType LockType, ttl time.Duration) *CellLock {
	now := time.Now()
	return &CellLock{
		Token:     uuid.NewString(),
		CellRef:   cellRef,
		SheetID:   sheetID,
		UserID:    userID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
		LockType:  lockType,
	}
}

// Key is the cell's map key.
func (l *CellLock) Key() string {
	return CellRef{SheetID: l.SheetID, Cell: l.CellRef}.Key()
}

// Expired reports whether the lock's ttl has elapsed.
func (l *CellLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// EditIndicator is the transient "so-and-so is typing" marker for a cell. It
// is independent of locks and never gates writes.
type EditIndicator struct {
	CellRef   string    `json:"cellRef"`
	SheetID   string    `json:"sheetId"`
	UserID    string    `json:"userId"`
	EditType  string    `json:"editType"`
	StartTime time.Time `json:"startTime"`
}

// Key is the cell's map key.
func (i *EditIndicator) Key() string {
	return CellRef{SheetID: i.SheetID, Cell: i.CellRef}.Key()
}
