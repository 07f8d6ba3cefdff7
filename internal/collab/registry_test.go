package collab

import (
	"context"
	"testing"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

func TestRegistryCreatesSessionOnFirstJoin(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{}, nil, nil, nil)
	defer r.Shutdown()

	if r.Count() != 0 {
		t.Fatalf("Count = %d before any join, want 0", r.Count())
	}

	s, snap, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s == nil {
		t.Fatal("Join returned nil session")
	}
	if snap.Version != 0 {
		t.Fatalf("fresh session version = %d, want 0", snap.Version)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	// Second joiner attaches to the same session.
	s2, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("bob", "Bob"))
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if s2 != s {
		t.Fatal("second join created a new session for the same resource")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d after second join, want 1", r.Count())
	}
}

func TestRegistryEvictsEmptySession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{}, nil, nil, nil)
	defer r.Shutdown()

	_, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	r.Leave("doc-1", "alice")

	// Eviction runs off the session goroutine; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for r.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not evicted, Count = %d", r.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if r.Get("doc-1") != nil {
		t.Fatal("Get returned an evicted session")
	}
}

func TestRegistryJoinAfterEvictionCreatesFreshSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{}, nil, nil, nil)
	defer r.Shutdown()

	first, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	r.Leave("doc-1", "alice")

	deadline := time.Now().Add(2 * time.Second)
	for r.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second == first {
		t.Fatal("rejoin attached to the stopped session")
	}
}

func TestRegistryShutdownRejectsJoins(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{}, nil, nil, nil)

	_, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	r.Shutdown()

	if r.Count() != 0 {
		t.Fatalf("Count = %d after shutdown, want 0", r.Count())
	}

	_, _, err = r.Join(context.Background(), "doc-2", models.ResourceDocument, models.NewUser("bob", "Bob"))
	if err != ErrSessionClosed {
		t.Fatalf("Join after shutdown = %v, want ErrSessionClosed", err)
	}
}

type fixedSnapshots struct {
	content string
	version uint64
}

func (f fixedSnapshots) LoadSnapshot(context.Context, string) (string, uint64, error) {
	return f.content, f.version, nil
}

func TestRegistrySeedsSessionFromSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{}, fixedSnapshots{content: "hello", version: 12}, nil, nil)
	defer r.Shutdown()

	_, snap, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if snap.Content != "hello" || snap.Version != 12 {
		t.Fatalf("snapshot = (%q, %d), want (hello, 12)", snap.Content, snap.Version)
	}
}

type fixedOps struct {
	ops []ot.Operation
}

func (f fixedOps) ListOperationsSince(_ context.Context, _ string, fromVersion uint64) ([]ot.Operation, error) {
	var out []ot.Operation
	for _, op := range f.ops {
		if op.Version > fromVersion {
			out = append(out, op)
		}
	}
	return out, nil
}

func TestRegistryRehydratesOperationTail(t *testing.T) {
	t.Parallel()

	op11 := ot.NewInsert(0, "a", "alice")
	op11.Version = 11
	op12 := ot.NewInsert(1, "b", "alice")
	op12.Version = 12

	r := NewRegistry(Config{},
		fixedSnapshots{content: "ab", version: 12},
		fixedOps{ops: []ot.Operation{op11, op12}},
		nil,
	)
	defer r.Shutdown()

	s, _, err := r.Join(context.Background(), "doc-1", models.ResourceDocument, models.NewUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	// A client at version 10 can catch up from the rehydrated tail.
	resp, ok, err := s.SyncSince(10)
	if err != nil {
		t.Fatalf("SyncSince: %v", err)
	}
	if !ok {
		t.Fatal("SyncSince refused a version inside the rehydrated window")
	}
	if resp.CurrentVersion != 12 {
		t.Fatalf("version = %d, want 12", resp.CurrentVersion)
	}
	if len(resp.Operations) != 2 {
		t.Fatalf("operations = %d, want 2", len(resp.Operations))
	}
	if resp.Operations[0].Version != 11 || resp.Operations[1].Version != 12 {
		t.Fatalf("tail versions = %d, %d, want 11, 12", resp.Operations[0].Version, resp.Operations[1].Version)
	}
}
