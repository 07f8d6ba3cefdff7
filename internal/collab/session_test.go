package collab

import (
	"testing"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

func testSession(t *testing.T, cfg Config, content string, version uint64) *Session {
	t.Helper()
	s := newSession("res-1", models.ResourceDocument, cfg, nil, content, version, nil, nil)
	t.Cleanup(s.stop)
	return s
}

func mustJoin(t *testing.T, s *Session, id, name string) {
	t.Helper()
	if _, err := s.Join(models.NewUser(id, name)); err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
}

// recvFrame reads frames off a subscriber channel until one of the wanted
// type arrives or the timeout expires.
func recvFrame(t *testing.T, ch <-chan []byte, wantType string, timeout time.Duration) (models.Envelope, any) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", wantType)
			}
			env, payload, err := models.DecodeMessage(raw)
			if err != nil {
				t.Fatalf("decode broadcast: %v", err)
			}
			if env.Type == wantType {
				return env, payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func expectNoFrame(t *testing.T, ch <-chan []byte, unwantedType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			env, _, err := models.DecodeMessage(raw)
			if err != nil {
				t.Fatalf("decode broadcast: %v", err)
			}
			if env.Type == unwantedType {
				t.Fatalf("received unexpected %s frame", unwantedType)
			}
		case <-deadline:
			return
		}
	}
}

func TestJoinIsIdempotentForMembership(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "alice", "Alice")

	if got := s.members.Load(); got != 1 {
		t.Fatalf("members = %d, want 1", got)
	}

	snap, err := s.Join(models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(snap.Users) != 1 {
		t.Fatalf("snapshot users = %d, want 1", len(snap.Users))
	}
	if snap.Users[0].Color == "" {
		t.Fatal("joined user has no color assigned")
	}
}

func TestSubmitOperationVersionIncrementsByOne(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")

	words := []string{"a", "b", "c"}
	for i, w := range words {
		op := ot.NewInsert(i, w, "alice")
		if err := s.SubmitOperation("alice", op, uint64(i)); err != nil {
			t.Fatalf("SubmitOperation %d: %v", i, err)
		}
	}

	resp, _, err := s.SyncSince(0)
	if err != nil {
		t.Fatalf("SyncSince: %v", err)
	}
	if resp.CurrentVersion != 3 {
		t.Fatalf("version = %d, want 3", resp.CurrentVersion)
	}
	for i, op := range resp.Operations {
		if op.Version != uint64(i+1) {
			t.Fatalf("operation %d has version %d, want %d", i, op.Version, i+1)
		}
	}
}

func TestSubmitOperationRejectsNonMember(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	err := s.SubmitOperation("ghost", ot.NewInsert(0, "x", "ghost"), 0)
	if err != ErrNotMember {
		t.Fatalf("SubmitOperation from non-member = %v, want ErrNotMember", err)
	}
}

func TestConcurrentInsertsConvergeViaAutoResolve(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{AutoResolveConflicts: true}, "abcdef", 5)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	// Both clients edit against version 5. Alice lands first and bumps the
	// session to 6; Bob's stale submission is rebased past her insert.
	if err := s.SubmitOperation("alice", ot.NewInsert(3, "one", "alice"), 5); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if err := s.SubmitOperation("bob", ot.NewInsert(3, "two", "bob"), 5); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	resp, _, err := s.SyncSince(5)
	if err != nil {
		t.Fatalf("SyncSince: %v", err)
	}
	if resp.CurrentVersion != 7 {
		t.Fatalf("version = %d, want 7", resp.CurrentVersion)
	}
	if len(resp.Operations) != 2 {
		t.Fatalf("operations since 5 = %d, want 2", len(resp.Operations))
	}
	if got := resp.Operations[1].Position; got != 6 {
		t.Fatalf("rebased insert position = %d, want 6", got)
	}

	var content string
	_ = s.call(func() { content = s.content })
	if content != "abconetwodef" {
		t.Fatalf("content = %q, want %q", content, "abconetwodef")
	}
}

func TestStaleOperationParksPendingWithoutAutoResolve(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{AutoResolveConflicts: false}, "abcdef", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	if err := s.SubmitOperation("alice", ot.NewInsert(0, "x", "alice"), 0); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	// Stale by one version: recorded as a pending conflict, never an error.
	if err := s.SubmitOperation("bob", ot.NewInsert(0, "y", "bob"), 0); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	pending, err := s.PendingConflicts()
	if err != nil {
		t.Fatalf("PendingConflicts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}
	if pending[0].Type != models.ConflictConcurrentEdit {
		t.Fatalf("conflict type = %s, want %s", pending[0].Type, models.ConflictConcurrentEdit)
	}

	resp, _, _ := s.SyncSince(0)
	if resp.CurrentVersion != 1 {
		t.Fatalf("version = %d after pending conflict, want 1", resp.CurrentVersion)
	}
}

func TestManualConflictResolutionAppliesChosenOperation(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{AutoResolveConflicts: false}, "abcdef", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	if err := s.SubmitOperation("alice", ot.NewInsert(0, "x", "alice"), 0); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	bobOp := ot.NewInsert(0, "y", "bob")
	if err := s.SubmitOperation("bob", bobOp, 0); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	pending, _ := s.PendingConflicts()
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}

	if err := s.ResolveConflict(pending[0].ID, bobOp.ID, "carol"); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	pending, _ = s.PendingConflicts()
	if len(pending) != 0 {
		t.Fatalf("pending conflicts after resolution = %d, want 0", len(pending))
	}

	resp, _, _ := s.SyncSince(0)
	if resp.CurrentVersion != 2 {
		t.Fatalf("version = %d after manual resolution, want 2", resp.CurrentVersion)
	}

	if err := s.ResolveConflict(pending0ID(pending, "missing"), bobOp.ID, "carol"); err != ErrConflictNotFound {
		t.Fatalf("resolving settled conflict = %v, want ErrConflictNotFound", err)
	}
}

func pending0ID(pending []*models.Conflict, fallback string) string {
	if len(pending) > 0 {
		return pending[0].ID
	}
	return fallback
}

func TestAheadOfServerVersionIsVersionMismatch(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{AutoResolveConflicts: true}, "", 0)
	mustJoin(t, s, "alice", "Alice")

	// Claims a version the server has never produced; not auto-resolvable.
	if err := s.SubmitOperation("alice", ot.NewInsert(0, "x", "alice"), 42); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending, _ := s.PendingConflicts()
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}
	if pending[0].Type != models.ConflictVersionMismatch {
		t.Fatalf("conflict type = %s, want %s", pending[0].Type, models.ConflictVersionMismatch)
	}
}

func TestCellEditAppliesAndRecordsHistory(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")

	edit := models.NewCellEdit("A1", "sheet1", "alice", models.CellOperation{
		Kind:  models.CellUpdate,
		Value: "42",
	})
	applied, err := s.SubmitCellEdit(edit)
	if err != nil {
		t.Fatalf("SubmitCellEdit: %v", err)
	}
	if !applied {
		t.Fatal("edit not applied on an unlocked cell")
	}

	entries, err := s.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Version != 1 {
		t.Fatalf("history entry version = %d, want 1", entries[0].Version)
	}
}

func TestCellEditAgainstForeignLockOpensConflict(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{LockTimeout: time.Minute}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	granted, err := s.LockCell("alice", "A1", "sheet1", models.LockEdit)
	if err != nil || !granted {
		t.Fatalf("LockCell = (%v, %v), want granted", granted, err)
	}

	edit := models.NewCellEdit("A1", "sheet1", "bob", models.CellOperation{
		Kind:  models.CellUpdate,
		Value: "7",
	})
	applied, err := s.SubmitCellEdit(edit)
	if err != nil {
		t.Fatalf("SubmitCellEdit: %v", err)
	}
	if applied {
		t.Fatal("edit applied despite a foreign lock")
	}

	pending, _ := s.PendingConflicts()
	if len(pending) != 1 || pending[0].Type != models.ConflictLock {
		t.Fatalf("pending = %+v, want one lock conflict", pending)
	}

	resp, _, _ := s.SyncSince(0)
	if resp.CurrentVersion != 0 {
		t.Fatalf("version = %d after rejected edit, want 0", resp.CurrentVersion)
	}
}

func TestVersionUpdateBroadcastOnCellEdit(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	bobCh := make(chan []byte, 32)
	_, unsub, err := s.Subscribe("conn-bob", "bob", bobCh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	edit := models.NewCellEdit("B2", "sheet1", "alice", models.CellOperation{
		Kind:  models.CellUpdate,
		Value: "hi",
	})
	if _, err := s.SubmitCellEdit(edit); err != nil {
		t.Fatalf("SubmitCellEdit: %v", err)
	}

	_, payload := recvFrame(t, bobCh, models.TypeVersionUpdate, time.Second)
	vu := payload.(*models.VersionUpdatePayload)
	if vu.Version != 1 {
		t.Fatalf("broadcast version = %d, want 1", vu.Version)
	}
}

func TestCursorThrottleCoalescesBurst(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{CursorThrottle: 50 * time.Millisecond}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	bobCh := make(chan []byte, 32)
	_, unsub, err := s.Subscribe("conn-bob", "bob", bobCh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	for pos := 1; pos <= 5; pos++ {
		if err := s.MoveCursor("alice", models.Cursor{Position: pos}); err != nil {
			t.Fatalf("MoveCursor(%d): %v", pos, err)
		}
	}

	_, payload := recvFrame(t, bobCh, models.TypeCursorMove, time.Second)
	cm := payload.(*models.CursorMovePayload)
	if cm.Cursor.Position != 5 {
		t.Fatalf("broadcast position = %d, want the final position 5", cm.Cursor.Position)
	}

	// The burst fit in one throttle window, so exactly one frame goes out.
	expectNoFrame(t, bobCh, models.TypeCursorMove, 150*time.Millisecond)
}

func TestCursorMoveNotEchoedToOwnConnections(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{CursorThrottle: 20 * time.Millisecond}, "", 0)
	mustJoin(t, s, "alice", "Alice")

	aliceCh := make(chan []byte, 32)
	_, unsub, err := s.Subscribe("conn-alice", "alice", aliceCh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := s.MoveCursor("alice", models.Cursor{Position: 9}); err != nil {
		t.Fatalf("MoveCursor: %v", err)
	}

	expectNoFrame(t, aliceCh, models.TypeCursorMove, 100*time.Millisecond)
}

func TestDroppedSubscriberChannelRemainsOpen(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	bobCh := make(chan []byte, 1)
	dropped, unsub, err := s.Subscribe("conn-bob", "bob", bobCh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	// Fill the buffer so the next broadcast overflows it and the session
	// detaches the subscriber.
	bobCh <- []byte("stall")
	if err := s.SubmitOperation("alice", ot.NewInsert(0, "x", "alice"), 0); err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber not detached")
	}

	// The connection's read loop keeps queueing pongs and error frames after
	// the detach; the channel must still accept them.
	<-bobCh
	select {
	case bobCh <- []byte("pong"):
	default:
		t.Fatal("send channel rejected a write after detach")
	}
}

func TestSyncBelowWindowFallsBackToSnapshot(t *testing.T) {
	t.Parallel()

	tail := make([]ot.Operation, 0, 10)
	for v := uint64(51); v <= 60; v++ {
		op := ot.NewInsert(0, "x", "alice")
		op.Version = v
		tail = append(tail, op)
	}
	s := newSession("res-1", models.ResourceDocument, Config{}, nil, "content", 60, tail, nil)
	t.Cleanup(s.stop)

	resp, ok, err := s.SyncSince(55)
	if err != nil {
		t.Fatalf("SyncSince(55): %v", err)
	}
	if !ok || len(resp.Operations) != 5 {
		t.Fatalf("SyncSince(55) = (ok=%v, %d ops), want incremental with 5 ops", ok, len(resp.Operations))
	}

	// Below the window an incremental answer would silently omit 11..50.
	if _, ok, err := s.SyncSince(10); err != nil || ok {
		t.Fatalf("SyncSince(10) = (ok=%v, err=%v), want the snapshot fallback", ok, err)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Content != "content" || snap.Version != 60 {
		t.Fatalf("snapshot = (%q, %d), want (content, 60)", snap.Content, snap.Version)
	}
}

func TestLockConflictResolvedByApplyingParkedEdit(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{LockTimeout: time.Minute}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	if granted, _ := s.LockCell("alice", "A1", "sheet1", models.LockEdit); !granted {
		t.Fatal("lock not granted")
	}
	edit := models.NewCellEdit("A1", "sheet1", "bob", models.CellOperation{
		Kind:  models.CellUpdate,
		Value: "7",
	})
	if applied, err := s.SubmitCellEdit(edit); err != nil || applied {
		t.Fatalf("SubmitCellEdit = (%v, %v), want parked", applied, err)
	}

	pending, _ := s.PendingConflicts()
	if len(pending) != 1 || len(pending[0].Edits) != 1 {
		t.Fatalf("pending = %+v, want one lock conflict carrying the edit", pending)
	}

	if err := s.ResolveConflict(pending[0].ID, pending[0].Edits[0].ID, "carol"); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	pending, _ = s.PendingConflicts()
	if len(pending) != 0 {
		t.Fatalf("pending after resolution = %d, want 0", len(pending))
	}

	resp, _, _ := s.SyncSince(0)
	if resp.CurrentVersion != 1 || len(resp.Edits) != 1 {
		t.Fatalf("state = (v%d, %d edits), want the parked edit applied at version 1", resp.CurrentVersion, len(resp.Edits))
	}

	entries, _ := s.History()
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
}

func TestOperationMemoryWindowStaysBounded(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{}, "", 0)
	mustJoin(t, s, "alice", "Alice")

	total := maxRetainedOps + 10
	for i := 0; i < total; i++ {
		if err := s.SubmitOperation("alice", ot.NewInsert(0, "x", "alice"), uint64(i)); err != nil {
			t.Fatalf("SubmitOperation %d: %v", i, err)
		}
	}

	var (
		kept int
		base uint64
	)
	_ = s.call(func() {
		kept = len(s.operations)
		base = s.baseVersion
	})
	if kept != maxRetainedOps {
		t.Fatalf("retained operations = %d, want %d", kept, maxRetainedOps)
	}
	if base != uint64(total-maxRetainedOps) {
		t.Fatalf("window floor = %d, want %d", base, total-maxRetainedOps)
	}

	// Below the floor the fallback answers, never a gapped incremental.
	if _, ok, err := s.SyncSince(0); err != nil || ok {
		t.Fatalf("SyncSince(0) = (ok=%v, err=%v), want fallback", ok, err)
	}
	resp, ok, err := s.SyncSince(base)
	if err != nil || !ok {
		t.Fatalf("SyncSince(%d) = (ok=%v, err=%v), want incremental", base, ok, err)
	}
	if len(resp.Operations) != maxRetainedOps {
		t.Fatalf("operations since floor = %d, want %d", len(resp.Operations), maxRetainedOps)
	}
}

func TestLeaveReleasesLocksAndIndicators(t *testing.T) {
	t.Parallel()

	s := testSession(t, Config{LockTimeout: time.Minute}, "", 0)
	mustJoin(t, s, "alice", "Alice")
	mustJoin(t, s, "bob", "Bob")

	bobCh := make(chan []byte, 32)
	_, unsub, err := s.Subscribe("conn-bob", "bob", bobCh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if granted, _ := s.LockCell("alice", "C3", "sheet1", models.LockEdit); !granted {
		t.Fatal("lock not granted")
	}
	if err := s.StartCellEdit(models.EditIndicator{UserID: "alice", CellRef: "C3", SheetID: "sheet1"}); err != nil {
		t.Fatalf("StartCellEdit: %v", err)
	}

	s.Leave("alice")

	recvFrame(t, bobCh, models.TypeCellUnlock, time.Second)
	recvFrame(t, bobCh, models.TypeUserLeave, time.Second)

	lock, err := s.GetCellLock("C3", "sheet1")
	if err != nil {
		t.Fatalf("GetCellLock: %v", err)
	}
	if lock != nil {
		t.Fatal("lock survived its owner leaving")
	}

	inds, _ := s.EditIndicators()
	if len(inds) != 0 {
		t.Fatalf("indicators after leave = %d, want 0", len(inds))
	}
}
