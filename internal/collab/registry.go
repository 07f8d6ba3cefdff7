package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

// rehydrateTail bounds how far back the operation log is replayed when a
// session is recreated from its snapshot.
const rehydrateTail = 50

// Registry maps resource ids to live sessions. It is an explicit object
// constructed once at process start and injected into every consumer, so
// tests can run any number of independent instances. A session is created on
// the first join and evicted when its last member leaves.
type Registry struct {
	cfg       Config
	snapshots SnapshotLoader
	oplog     OperationLoader
	persister Persister

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a session registry backed by the given snapshot and
// operation-log loaders and persister. oplog may be nil; rehydrated sessions
// then start with an empty operation tail.
func NewRegistry(cfg Config, snapshots SnapshotLoader, oplog OperationLoader, persister Persister) *Registry {
	if snapshots == nil {
		snapshots = EmptySnapshots{}
	}
	if persister == nil {
		persister = NopPersister{}
	}
	return &Registry{
		cfg:       cfg,
		snapshots: snapshots,
		oplog:     oplog,
		persister: persister,
		sessions:  make(map[string]*Session),
	}
}

// Join attaches a user to the resource's session, creating the session (and
// loading its durable snapshot) on first join. Joining is idempotent for
// membership and always refreshes presence timestamps.
func (r *Registry) Join(ctx context.Context, resourceID string, kind models.ResourceKind, user *models.User) (*Session, models.DocumentSyncPayload, error) {
	// A join can race the eviction of a just-emptied session; the retry
	// attaches to a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.getOrCreate(ctx, resourceID, kind)
		if err != nil {
			return nil, models.DocumentSyncPayload{}, err
		}
		snap, err := s.Join(user)
		if errors.Is(err, ErrSessionClosed) {
			r.remove(resourceID, s)
			continue
		}
		if err != nil {
			return nil, models.DocumentSyncPayload{}, err
		}
		return s, snap, nil
	}
	return nil, models.DocumentSyncPayload{}, ErrSessionClosed
}

// Leave detaches the user from the resource's session, if it exists.
func (r *Registry) Leave(resourceID, userID string) {
	if s := r.Get(resourceID); s != nil {
		s.Leave(userID)
	}
}

// Get returns the live session for a resource, or nil.
func (r *Registry) Get(resourceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[resourceID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) getOrCreate(ctx context.Context, resourceID string, kind models.ResourceKind) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[resourceID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if ok {
		return s, nil
	}

	content, version, err := r.snapshots.LoadSnapshot(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", resourceID, err)
	}

	// Rehydrate a recent operation tail so catch-up requests from clients a
	// little behind the snapshot can still be answered from memory.
	var tail []ot.Operation
	if r.oplog != nil && version > 0 {
		from := uint64(0)
		if version > rehydrateTail {
			from = version - rehydrateTail
		}
		tail, err = r.oplog.ListOperationsSince(ctx, resourceID, from)
		if err != nil {
			return nil, fmt.Errorf("failed to load operation tail for %s: %w", resourceID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[resourceID]; ok {
		return s, nil
	}
	s = newSession(resourceID, kind, r.cfg, r.persister, content, version, tail, r.evict)
	r.sessions[resourceID] = s
	log.Printf("  session created for %s %s (version %d)", kind, resourceID, version)
	return s, nil
}

// evict is the session's onEmpty callback. The membership re-check keeps a
// join that landed between "became empty" and this call alive.
func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	if r.sessions[s.resourceID] != s || s.members.Load() != 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.resourceID)
	r.mu.Unlock()

	s.stop()
	log.Printf("  session evicted for %s", s.resourceID)
}

func (r *Registry) remove(resourceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[resourceID] == s {
		delete(r.sessions, resourceID)
	}
}

// Shutdown stops every session and rejects further joins.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	log.Println("✓ Session registry shutdown complete")
}
