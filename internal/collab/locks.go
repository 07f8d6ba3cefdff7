package collab

import (
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
)

// Cell locking runs entirely inside the session actor: grants, renewals,
// explicit releases and expiry all execute on the session goroutine, so at
// most one active lock can ever exist per cell.

// LockCell grants (or renews) an exclusive, time-bounded lock on a cell.
// It returns false when another user holds an unexpired lock, which is a
// normal "not available" outcome, not an error; a non-member gets
// ErrNotMember. A grant arms an expiry task for the configured lock timeout;
// relocking by the owner renews it.
func (s *Session) LockCell(userID, cellRef, sheetID string, lockType models.LockType) (bool, error) {
	var (
		granted bool
		opErr   error
	)
	err := s.call(func() {
		user, ok := s.users[userID]
		if !ok {
			opErr = ErrNotMember
			return
		}
		user.Touch()

		key := models.CellRef{SheetID: sheetID, Cell: cellRef}.Key()
		now := time.Now()
		if existing, held := s.locks[key]; held && heldByOther(existing, userID, now) {
			return
		}

		lock := models.NewCellLock(cellRef, sheetID, userID, lockType, s.cfg.LockTimeout)
		s.locks[key] = lock
		token := lock.Token
		s.tasks.schedule(lockTaskKey(key), lock.ExpiresAt, func() {
			s.expireLock(key, token)
		})

		s.broadcastPayload(models.TypeCellLock, userID, models.CellLockPayload{Lock: *lock}, "")
		granted = true
	})
	if err != nil {
		return false, err
	}
	return granted, opErr
}

func heldByOther(lock *models.CellLock, userID string, now time.Time) bool {
	return lock.UserID != userID && !lock.Expired(now)
}

// UnlockCell releases a lock. Only the owner may release; another member gets
// false and the lock stands until expiry.
func (s *Session) UnlockCell(userID, cellRef, sheetID string) (bool, error) {
	var (
		released bool
		opErr    error
	)
	err := s.call(func() {
		if _, ok := s.users[userID]; !ok {
			opErr = ErrNotMember
			return
		}
		key := models.CellRef{SheetID: sheetID, Cell: cellRef}.Key()
		lock, held := s.locks[key]
		if !held || lock.UserID != userID {
			return
		}
		delete(s.locks, key)
		s.tasks.cancel(lockTaskKey(key))
		s.broadcastPayload(models.TypeCellUnlock, userID, models.CellUnlockPayload{
			CellRef: cellRef,
			SheetID: sheetID,
		}, "")
		released = true
	})
	if err != nil {
		return false, err
	}
	return released, opErr
}

// GetCellLock returns the active lock on a cell, or nil when the cell is
// free (or its lock has expired).
func (s *Session) GetCellLock(cellRef, sheetID string) (*models.CellLock, error) {
	var out *models.CellLock
	err := s.call(func() {
		key := models.CellRef{SheetID: sheetID, Cell: cellRef}.Key()
		if lock, held := s.locks[key]; held && !lock.Expired(time.Now()) {
			copied := *lock
			out = &copied
		}
	})
	return out, err
}

// expireLock runs on the session loop when a lock's ttl elapses. The token
// guard keeps a stale expiry from releasing a renewed lock.
func (s *Session) expireLock(key, token string) {
	lock, held := s.locks[key]
	if !held || lock.Token != token {
		return
	}
	delete(s.locks, key)
	s.broadcastPayload(models.TypeCellUnlock, lock.UserID, models.CellUnlockPayload{
		CellRef: lock.CellRef,
		SheetID: lock.SheetID,
	}, "")
}

// StartCellEdit records the lock-independent "user is typing" indicator for
// a cell. The latest start overwrites any previous indicator on that cell.
func (s *Session) StartCellEdit(indicator models.EditIndicator) error {
	var opErr error
	err := s.call(func() {
		user, ok := s.users[indicator.UserID]
		if !ok {
			opErr = ErrNotMember
			return
		}
		user.Touch()

		indicator.StartTime = time.Now()
		s.indicators[indicator.Key()] = &indicator
		s.broadcastPayload(models.TypeCellEditStart, indicator.UserID, models.CellEditStartPayload{
			Indicator: indicator,
		}, "")
	})
	if err != nil {
		return err
	}
	return opErr
}

// EndCellEdit removes the indicator, provided it belongs to the caller.
func (s *Session) EndCellEdit(userID, cellRef, sheetID string) error {
	return s.call(func() {
		key := models.CellRef{SheetID: sheetID, Cell: cellRef}.Key()
		ind, ok := s.indicators[key]
		if !ok || ind.UserID != userID {
			return
		}
		delete(s.indicators, key)
		s.broadcastPayload(models.TypeCellEditEnd, userID, models.CellEditEndPayload{
			CellRef: cellRef,
			SheetID: sheetID,
		}, "")
	})
}

// EditIndicators lists the live typing indicators.
func (s *Session) EditIndicators() ([]*models.EditIndicator, error) {
	var out []*models.EditIndicator
	err := s.call(func() {
		for _, ind := range s.indicators {
			copied := *ind
			out = append(out, &copied)
		}
	})
	return out, err
}
