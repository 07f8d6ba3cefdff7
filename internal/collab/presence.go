package collab

import (
	"log"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
)

// Cursor and selection updates are coalesced per user: each new update
// replaces the pending frame and re-arms the throttle task, so a burst of
// moves inside one throttle window produces exactly one broadcast carrying
// the final position.

// MoveCursor records a text-document caret move for the user.
func (s *Session) MoveCursor(userID string, cursor models.Cursor) error {
	return s.queueCursorUpdate(userID, models.TypeCursorMove, models.CursorMovePayload{Cursor: cursor}, func(u *models.User) {
		c := cursor
		u.Cursor = &c
	})
}

// ChangeSelection records a text selection change for the user.
func (s *Session) ChangeSelection(userID string, selection models.Selection) error {
	return s.queueCursorUpdate(userID, models.TypeSelectionChange, models.SelectionChangePayload{Selection: selection}, func(u *models.User) {
		sel := selection
		u.ActiveSelection = &sel
	})
}

// MoveCellCursor records which cell a spreadsheet user is on.
func (s *Session) MoveCellCursor(userID, cellRef, sheetID string) error {
	return s.queueCursorUpdate(userID, models.TypeUserCursorMove, models.UserCursorMovePayload{
		CellRef: cellRef,
		SheetID: sheetID,
	}, func(u *models.User) {
		u.ActiveCell = &models.CellRef{SheetID: sheetID, Cell: cellRef}
	})
}

func (s *Session) queueCursorUpdate(userID, msgType string, payload any, updatePresence func(*models.User)) error {
	var opErr error
	err := s.call(func() {
		user, ok := s.users[userID]
		if !ok {
			opErr = ErrNotMember
			return
		}
		user.Touch()
		updatePresence(user)

		frame, err := models.NewMessage(msgType, s.resourceID, userID, payload)
		if err != nil {
			log.Printf("failed to encode %s for %s: %v", msgType, s.resourceID, err)
			return
		}

		// Replace any pending frame and push the broadcast out by one
		// throttle interval; only the last position in the window is sent.
		s.pendingCursors[userID] = frame
		s.tasks.schedule(cursorTaskKey(userID), time.Now().Add(s.cfg.CursorThrottle), func() {
			s.flushCursor(userID)
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// flushCursor runs on the session loop when the throttle window closes.
func (s *Session) flushCursor(userID string) {
	frame, ok := s.pendingCursors[userID]
	if !ok {
		return
	}
	delete(s.pendingCursors, userID)
	for connID, sub := range s.subscribers {
		if sub.userID == userID {
			continue
		}
		select {
		case sub.send <- frame:
		default:
			s.dropSubscriber(connID, sub)
		}
	}
}

// Presence lists the current member presence records.
func (s *Session) Presence() ([]*models.User, error) {
	var out []*models.User
	err := s.call(func() {
		out = s.userList()
	})
	return out, err
}
