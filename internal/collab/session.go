package collab

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"

	"github.com/segmentio/ksuid"
)

var (
	// ErrSessionClosed is returned when a call races session teardown.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotMember rejects operations from users who never joined.
	ErrNotMember = errors.New("user is not a member of the session")
	// ErrConflictNotFound rejects resolution of an unknown or settled conflict.
	ErrConflictNotFound = errors.New("conflict not found or already resolved")
)

// Config tunes per-session behavior.
type Config struct {
	LockTimeout          time.Duration
	CursorThrottle       time.Duration
	MaxHistoryEntries    int
	AutoResolveConflicts bool
}

// maxRetainedOps bounds the in-memory operation and cell-edit tails. Versions
// trimmed out of the window are served by the full-snapshot sync fallback;
// the durable log keeps its own, larger window.
const maxRetainedOps = 256

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = 200 * time.Millisecond
	}
	if c.MaxHistoryEntries <= 0 {
		c.MaxHistoryEntries = 500
	}
	return c
}

// Session is the live state for one resource among its joined users, run as
// an actor: a single goroutine owns every mutable field and executes commands
// from the mailbox one at a time. Lock expiry and cursor-throttle timers fire
// on the same goroutine through the task heap, so nothing below the mailbox
// needs a mutex.
type Session struct {
	resourceID string
	kind       models.ResourceKind
	cfg        Config
	persister  Persister

	commands chan func()
	done     chan struct{}
	stopOnce sync.Once
	members  atomic.Int64
	onEmpty  func(*Session)

	// Owned by run(); never touched from outside the loop.
	content        string
	baseVersion    uint64
	version        uint64
	operations     []ot.Operation
	cellEdits      []*models.CellEdit
	users          map[string]*models.User
	locks          map[string]*models.CellLock
	indicators     map[string]*models.EditIndicator
	conflicts      []*models.Conflict
	history        *changeRing
	subscribers    map[string]*subscriber
	pendingCursors map[string][]byte
	tasks          *taskHeap
	active         bool
}

// subscriber is one attached connection. The send channel is written by both
// the session and the connection's own read loop, so the session never closes
// it; detachment is signalled by closing done and the channel is left for the
// garbage collector.
type subscriber struct {
	connID string
	userID string
	send   chan []byte
	done   chan struct{}
}

func newSession(resourceID string, kind models.ResourceKind, cfg Config, persister Persister, content string, version uint64, tail []ot.Operation, onEmpty func(*Session)) *Session {
	if persister == nil {
		persister = NopPersister{}
	}
	// The rehydrated tail lowers the auto-resolution floor: operations back to
	// the tail's first version can still be rebased from memory.
	baseVersion := version
	if len(tail) > 0 && tail[0].Version > 0 {
		baseVersion = tail[0].Version - 1
	}
	s := &Session{
		resourceID:     resourceID,
		kind:           kind,
		cfg:            cfg.withDefaults(),
		persister:      persister,
		commands:       make(chan func(), 64),
		done:           make(chan struct{}),
		onEmpty:        onEmpty,
		content:        content,
		baseVersion:    baseVersion,
		version:        version,
		operations:     tail,
		users:          make(map[string]*models.User),
		locks:          make(map[string]*models.CellLock),
		indicators:     make(map[string]*models.EditIndicator),
		subscribers:    make(map[string]*subscriber),
		pendingCursors: make(map[string][]byte),
		tasks:          newTaskHeap(),
		active:         true,
	}
	s.history = newChangeRing(s.cfg.MaxHistoryEntries)
	go s.run()
	return s
}

// ResourceID returns the resource this session collaborates on.
func (s *Session) ResourceID() string { return s.resourceID }

// Kind returns whether this is a document or spreadsheet session.
func (s *Session) Kind() models.ResourceKind { return s.kind }

func (s *Session) run() {
	for {
		var timerC <-chan time.Time
		if at, ok := s.tasks.next(); ok {
			timerC = time.After(time.Until(at))
		}

		select {
		case fn := <-s.commands:
			fn()
		case <-timerC:
			s.tasks.fireDue(time.Now())
		case <-s.done:
			for _, sub := range s.subscribers {
				close(sub.done)
			}
			s.subscribers = make(map[string]*subscriber)
			return
		}
	}
}

// call runs fn on the session goroutine and waits for it to finish.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case s.commands <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Join adds the user to the session (idempotent for membership; presence
// timestamps always refresh) and returns the state snapshot the client needs
// to render: content, version, recent operations and the member list.
func (s *Session) Join(user *models.User) (models.DocumentSyncPayload, error) {
	var snap models.DocumentSyncPayload
	err := s.call(func() {
		if existing, ok := s.users[user.ID]; ok {
			existing.Touch()
		} else {
			member := *user
			member.Color = models.ColorForUser(member.ID)
			member.Touch()
			s.users[member.ID] = &member
			s.members.Add(1)
			s.broadcastPayload(models.TypeUserJoin, member.ID, models.UserJoinPayload{User: member}, "")
			log.Printf("  user %s joined %s (members: %d)", member.ID, s.resourceID, len(s.users))
		}
		snap = s.snapshot()
	})
	return snap, err
}

// Leave removes the user's presence, cursor, edit indicators and locks, and
// cancels their outstanding timers before the next mutation can observe them.
// The session reports itself to the registry once membership reaches zero.
func (s *Session) Leave(userID string) {
	_ = s.call(func() {
		if _, ok := s.users[userID]; !ok {
			return
		}
		delete(s.users, userID)
		s.members.Add(-1)

		s.tasks.cancel(cursorTaskKey(userID))
		delete(s.pendingCursors, userID)

		for key, lock := range s.locks {
			if lock.UserID != userID {
				continue
			}
			delete(s.locks, key)
			s.tasks.cancel(lockTaskKey(key))
			s.broadcastPayload(models.TypeCellUnlock, userID, models.CellUnlockPayload{
				CellRef: lock.CellRef,
				SheetID: lock.SheetID,
			}, "")
		}
		for key, ind := range s.indicators {
			if ind.UserID != userID {
				continue
			}
			delete(s.indicators, key)
			s.broadcastPayload(models.TypeCellEditEnd, userID, models.CellEditEndPayload{
				CellRef: ind.CellRef,
				SheetID: ind.SheetID,
			}, "")
		}

		s.broadcastPayload(models.TypeUserLeave, userID, models.UserLeavePayload{UserID: userID}, "")
		log.Printf("  user %s left %s (remaining: %d)", userID, s.resourceID, len(s.users))

		if len(s.users) == 0 {
			s.active = false
			if s.onEmpty != nil {
				go s.onEmpty(s)
			}
		}
	})
}

// Subscribe attaches an outbound frame channel for one connection. The
// session only ever sends on the channel, never closes it: when it detaches
// the subscriber (slow consumer, teardown, or the returned unsubscribe) it
// closes the drop channel instead, and the connection side stops writing.
func (s *Session) Subscribe(connID, userID string, send chan []byte) (<-chan struct{}, func(), error) {
	done := make(chan struct{})
	err := s.call(func() {
		s.subscribers[connID] = &subscriber{connID: connID, userID: userID, send: send, done: done}
	})
	if err != nil {
		return nil, nil, err
	}
	unsubscribe := func() {
		_ = s.call(func() {
			if sub, ok := s.subscribers[connID]; ok {
				delete(s.subscribers, connID)
				close(sub.done)
			}
		})
	}
	return done, unsubscribe, nil
}

// SubmitOperation routes one client text operation. A matching version is
// applied directly; a mismatch goes through the conflict resolver and is
// never a hard error.
func (s *Session) SubmitOperation(userID string, op ot.Operation, clientVersion uint64) error {
	var opErr error
	err := s.call(func() {
		user, ok := s.users[userID]
		if !ok {
			opErr = ErrNotMember
			return
		}
		user.Touch()

		op.UserID = userID
		if op.ID == "" {
			op.ID = ksuid.New().String()
		}
		if clientVersion == s.version {
			s.applyOperation(op)
			return
		}
		s.resolveVersionConflict(op, clientVersion)
	})
	if err != nil {
		return err
	}
	return opErr
}

// applyOperation applies op at the current version, bumps the version by
// exactly one and broadcasts the stamped operation to every subscriber,
// sender included, as the acknowledgment.
func (s *Session) applyOperation(op ot.Operation) {
	op.Timestamp = time.Now()
	s.content = ot.Apply(s.content, op)
	s.version++
	op.Version = s.version
	s.operations = append(s.operations, op)
	if len(s.operations) > maxRetainedOps {
		s.operations = append([]ot.Operation(nil), s.operations[len(s.operations)-maxRetainedOps:]...)
		if floor := s.operations[0].Version - 1; floor > s.baseVersion {
			s.baseVersion = floor
		}
	}

	s.persister.PersistOperation(s.resourceID, op)
	s.persister.SaveSnapshot(s.resourceID, s.kind, s.content, s.version)

	s.broadcastPayload(models.TypeDocumentOperation, op.UserID, models.DocumentOperationPayload{
		Operation: op,
		Version:   s.version,
	}, "")
}

// operationsSince returns applied operations with version > fromVersion.
func (s *Session) operationsSince(fromVersion uint64) []ot.Operation {
	out := make([]ot.Operation, 0)
	for _, op := range s.operations {
		if op.Version > fromVersion {
			out = append(out, op)
		}
	}
	return out
}

func (s *Session) cellEditsSince(fromVersion uint64) []*models.CellEdit {
	out := make([]*models.CellEdit, 0)
	for _, edit := range s.cellEdits {
		if edit.Version > fromVersion {
			out = append(out, edit)
		}
	}
	return out
}

// resolveVersionConflict handles an operation submitted against a stale (or
// unknown) version. When auto-resolution is on and the missed operations are
// all in memory, the operation is rebased and applied; otherwise the conflict
// parks pending for a manual choice.
func (s *Session) resolveVersionConflict(op ot.Operation, clientVersion uint64) {
	conflictType := models.ConflictConcurrentEdit
	switch {
	case op.Kind == ot.OpFormat:
		conflictType = models.ConflictFormat
	case clientVersion > s.version:
		conflictType = models.ConflictVersionMismatch
	}

	conflict := models.NewConflict(s.resourceID, conflictType)
	conflict.Operations = []ot.Operation{op}
	conflict.TargetVersion = clientVersion

	resolvable := clientVersion < s.version && clientVersion >= s.baseVersion
	if !s.cfg.AutoResolveConflicts || !resolvable {
		s.conflicts = append(s.conflicts, conflict)
		s.persister.SaveConflict(conflict)
		s.broadcastPayload(models.TypeConflictResolution, op.UserID, models.ConflictResolutionPayload{
			Conflict:   *conflict,
			Resolution: models.ResolutionPending,
		}, "")
		return
	}

	transformed := ot.TransformAgainstAll(op, s.operationsSince(clientVersion))
	s.applyOperation(transformed)

	conflict.Resolve(models.ResolutionAuto, "")
	s.conflicts = append(s.conflicts, conflict)
	s.persister.SaveConflict(conflict)
	s.broadcastPayload(models.TypeConflictResolution, op.UserID, models.ConflictResolutionPayload{
		Conflict:   *conflict,
		Resolution: models.ResolutionAuto,
	}, "")
}

// ResolveConflict settles a pending conflict manually. For a text conflict
// the chosen operation is rebased against everything applied since the
// version it targeted and applied exactly like the auto path. For a lock
// conflict the chosen parked cell edit is applied; the explicit call is the
// override, so the lock standing does not block it.
func (s *Session) ResolveConflict(conflictID, keepOperationID, resolvedBy string) error {
	var resErr error
	err := s.call(func() {
		var conflict *models.Conflict
		for _, c := range s.conflicts {
			if c.ID == conflictID && c.Pending() {
				conflict = c
				break
			}
		}
		if conflict == nil {
			resErr = ErrConflictNotFound
			return
		}

		if len(conflict.Edits) > 0 {
			var chosenEdit *models.CellEdit
			for _, e := range conflict.Edits {
				if keepOperationID == "" || e.ID == keepOperationID {
					chosenEdit = e
					break
				}
			}
			if chosenEdit == nil {
				resErr = fmt.Errorf("operation %s is not part of conflict %s", keepOperationID, conflictID)
				return
			}
			s.applyCellEdit(chosenEdit)

			conflict.Resolve(models.ResolutionManual, resolvedBy)
			s.persister.SaveConflict(conflict)
			s.broadcastPayload(models.TypeConflictResolution, resolvedBy, models.ConflictResolutionPayload{
				Conflict:   *conflict,
				Resolution: models.ResolutionManual,
			}, "")
			return
		}

		var chosen *ot.Operation
		for i := range conflict.Operations {
			if keepOperationID == "" || conflict.Operations[i].ID == keepOperationID {
				chosen = &conflict.Operations[i]
				break
			}
		}
		if chosen == nil {
			resErr = fmt.Errorf("operation %s is not part of conflict %s", keepOperationID, conflictID)
			return
		}

		transformed := ot.TransformAgainstAll(*chosen, s.operationsSince(conflict.TargetVersion))
		s.applyOperation(transformed)

		conflict.Resolve(models.ResolutionManual, resolvedBy)
		s.persister.SaveConflict(conflict)
		s.broadcastPayload(models.TypeConflictResolution, resolvedBy, models.ConflictResolutionPayload{
			Conflict:   *conflict,
			Resolution: models.ResolutionManual,
		}, "")
	})
	if err != nil {
		return err
	}
	return resErr
}

// SubmitCellEdit applies a spreadsheet edit with last-write semantics. An
// edit against a cell locked by another user is not applied; it opens a
// lock conflict instead and reports applied=false, which callers treat as a
// normal outcome.
func (s *Session) SubmitCellEdit(edit *models.CellEdit) (bool, error) {
	var (
		applied bool
		opErr   error
	)
	err := s.call(func() {
		user, ok := s.users[edit.UserID]
		if !ok {
			opErr = ErrNotMember
			return
		}
		user.Touch()

		if edit.ID == "" {
			edit.ID = ksuid.New().String()
		}

		now := time.Now()
		if lock, held := s.locks[edit.Ref().Key()]; held && lock.UserID != edit.UserID && !lock.Expired(now) {
			conflict := models.NewConflict(s.resourceID, models.ConflictLock)
			conflict.Edits = []*models.CellEdit{edit}
			s.conflicts = append(s.conflicts, conflict)
			s.persister.SaveConflict(conflict)
			s.broadcastPayload(models.TypeConflictResolution, edit.UserID, models.ConflictResolutionPayload{
				Conflict:   *conflict,
				Resolution: models.ResolutionPending,
			}, "")
			return
		}

		s.applyCellEdit(edit)
		applied = true
	})
	if err != nil {
		return false, err
	}
	return applied, opErr
}

// applyCellEdit stamps, records and broadcasts one cell edit at the next
// version. Runs on the session goroutine only.
func (s *Session) applyCellEdit(edit *models.CellEdit) {
	edit.Timestamp = time.Now()
	s.version++
	edit.Version = s.version
	edit.IsApplied = true
	s.cellEdits = append(s.cellEdits, edit)
	if len(s.cellEdits) > maxRetainedOps {
		s.cellEdits = append([]*models.CellEdit(nil), s.cellEdits[len(s.cellEdits)-maxRetainedOps:]...)
		if floor := s.cellEdits[0].Version - 1; floor > s.baseVersion {
			s.baseVersion = floor
		}
	}

	displayName := edit.UserID
	if user, ok := s.users[edit.UserID]; ok {
		displayName = user.DisplayName
	}
	entry := models.NewChangeEntry(s.resourceID, edit.UserID, edit.ID, edit.Describe(displayName), s.version)
	s.history.append(entry)
	s.persister.AppendHistory(entry)
	s.persister.PersistCellEdit(s.resourceID, edit)

	s.broadcastPayload(models.TypeCellOperation, edit.UserID, models.CellOperationPayload{
		Edit:    *edit,
		Version: s.version,
	}, "")
	s.broadcastPayload(models.TypeVersionUpdate, edit.UserID, models.VersionUpdatePayload{
		Version:  s.version,
		LastEdit: edit,
	}, "")
}

// SyncSince answers a sync_request: everything applied after fromVersion
// plus the current version, so a reconnected client can catch up. A
// fromVersion below the in-memory window cannot be answered without a gap;
// ok is false and the caller sends a full document_sync instead.
func (s *Session) SyncSince(fromVersion uint64) (models.SyncResponsePayload, bool, error) {
	var (
		resp models.SyncResponsePayload
		ok   = true
	)
	err := s.call(func() {
		if fromVersion < s.baseVersion {
			ok = false
			return
		}
		resp = models.SyncResponsePayload{
			Operations:     s.operationsSince(fromVersion),
			Edits:          s.cellEditsSince(fromVersion),
			CurrentVersion: s.version,
		}
	})
	return resp, ok, err
}

// Snapshot returns the full document_sync payload for the current state.
func (s *Session) Snapshot() (models.DocumentSyncPayload, error) {
	var snap models.DocumentSyncPayload
	err := s.call(func() { snap = s.snapshot() })
	return snap, err
}

// Info returns the REST snapshot of the session.
func (s *Session) Info() (models.SessionInfo, error) {
	var info models.SessionInfo
	err := s.call(func() {
		info = models.SessionInfo{
			ResourceID:       s.resourceID,
			Kind:             s.kind,
			Version:          s.version,
			Users:            s.userList(),
			ActiveLocks:      len(s.locks),
			PendingConflicts: s.pendingCount(),
			IsActive:         s.active,
		}
	})
	return info, err
}

// PendingConflicts lists conflicts still awaiting resolution.
func (s *Session) PendingConflicts() ([]*models.Conflict, error) {
	var out []*models.Conflict
	err := s.call(func() {
		for _, c := range s.conflicts {
			if c.Pending() {
				copied := *c
				out = append(out, &copied)
			}
		}
	})
	return out, err
}

// History returns the in-memory change history, oldest first.
func (s *Session) History() ([]*models.ChangeEntry, error) {
	var out []*models.ChangeEntry
	err := s.call(func() {
		out = s.history.list()
	})
	return out, err
}

func (s *Session) pendingCount() int {
	n := 0
	for _, c := range s.conflicts {
		if c.Pending() {
			n++
		}
	}
	return n
}

func (s *Session) userList() []*models.User {
	users := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		copied := *u
		users = append(users, &copied)
	}
	return users
}

// snapshot builds the document_sync payload for a joining client. The
// operation tail is capped; a client further behind re-renders from this
// full snapshot rather than replaying an incremental response.
func (s *Session) snapshot() models.DocumentSyncPayload {
	const maxTail = 50
	ops := s.operations
	if len(ops) > maxTail {
		ops = ops[len(ops)-maxTail:]
	}
	tail := make([]ot.Operation, len(ops))
	copy(tail, ops)

	return models.DocumentSyncPayload{
		Content:    s.content,
		Version:    s.version,
		Operations: tail,
		Users:      s.userList(),
	}
}

// broadcastPayload marshals and fans a frame out to all subscribers except
// the named connection. A subscriber whose buffer is full is dropped: a
// client that slow is dead or stuck, and its read loop will re-join.
func (s *Session) broadcastPayload(msgType, userID string, payload any, excludeConn string) {
	frame, err := models.NewMessage(msgType, s.resourceID, userID, payload)
	if err != nil {
		log.Printf("failed to encode %s broadcast for %s: %v", msgType, s.resourceID, err)
		return
	}
	for connID, sub := range s.subscribers {
		if excludeConn != "" && connID == excludeConn {
			continue
		}
		select {
		case sub.send <- frame:
		default:
			s.dropSubscriber(connID, sub)
		}
	}
}

// dropSubscriber detaches a subscriber that cannot keep up. Only the drop
// channel is closed; the send channel stays open because the connection's
// read loop is also a writer on it.
func (s *Session) dropSubscriber(connID string, sub *subscriber) {
	log.Printf("  subscriber %s buffer full on %s, dropping", connID, s.resourceID)
	delete(s.subscribers, connID)
	close(sub.done)
}

func cursorTaskKey(userID string) string { return "cursor:" + userID }
func lockTaskKey(cellKey string) string  { return "lock:" + cellKey }
