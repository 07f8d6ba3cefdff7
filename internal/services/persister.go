package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/models"
	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

// The session actor must never block on the database, so durable writes go
// through a bounded queue drained by a fixed worker pool. A full queue drops
// the write with a log line: the in-memory session stays authoritative and
// the snapshot upsert is self-healing on the next applied operation.

// OperationStore is what the persister needs from the operation repository.
type OperationStore interface {
	PersistOperation(ctx context.Context, resourceID string, op ot.Operation) error
	PersistCellEdit(ctx context.Context, resourceID string, edit *models.CellEdit) error
	DeleteOldOperations(ctx context.Context, resourceID string, keepCount int) error
}

const (
	// trimEvery spaces operation-log trims in versions; keepOperations is how
	// much log each resource retains, comfortably past the in-memory tails.
	trimEvery      = 256
	keepOperations = 1024
)

// ConflictStore is what the persister needs from the conflict repository.
type ConflictStore interface {
	SaveConflict(ctx context.Context, conflict *models.Conflict) error
}

// HistoryStore is what the persister needs from the history repository.
type HistoryStore interface {
	AppendEntry(ctx context.Context, entry *models.ChangeEntry) error
}

// SnapshotStore is what the persister needs from the snapshot repository.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, resourceID string, kind models.ResourceKind, content string, version uint64) error
}

type persistJob func(ctx context.Context) error

// PersisterService mirrors session state to postgres through a worker pool.
// It implements collab.Persister.
type PersisterService struct {
	operations OperationStore
	conflicts  ConflictStore
	history    HistoryStore
	snapshots  SnapshotStore

	jobs    chan persistJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPersisterService creates the persistence pool; Start launches it.
func NewPersisterService(
	operations OperationStore,
	conflicts ConflictStore,
	history HistoryStore,
	snapshots SnapshotStore,
	numWorkers int,
	queueSize int,
) *PersisterService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PersisterService{
		operations: operations,
		conflicts:  conflicts,
		history:    history,
		snapshots:  snapshots,
		jobs:       make(chan persistJob, queueSize),
		workers:    numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines.
func (s *PersisterService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Printf("✓ Persistence pool started with %d workers", s.workers)
}

func (s *PersisterService) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			if err := job(ctx); err != nil {
				log.Printf("  persist worker %d: %v", id, err)
			}
			cancel()
		}
	}
}

func (s *PersisterService) submit(job persistJob) {
	select {
	case s.jobs <- job:
	default:
		log.Println("persistence queue full, dropping write")
	}
}

// PersistOperation queues one applied text operation.
func (s *PersisterService) PersistOperation(resourceID string, op ot.Operation) {
	s.submit(func(ctx context.Context) error {
		return s.operations.PersistOperation(ctx, resourceID, op)
	})
}

// PersistCellEdit queues one applied cell edit.
func (s *PersisterService) PersistCellEdit(resourceID string, edit *models.CellEdit) {
	copied := *edit
	s.submit(func(ctx context.Context) error {
		return s.operations.PersistCellEdit(ctx, resourceID, &copied)
	})
}

// SaveConflict queues a conflict upsert.
func (s *PersisterService) SaveConflict(conflict *models.Conflict) {
	copied := *conflict
	s.submit(func(ctx context.Context) error {
		return s.conflicts.SaveConflict(ctx, &copied)
	})
}

// AppendHistory queues a change-history line.
func (s *PersisterService) AppendHistory(entry *models.ChangeEntry) {
	copied := *entry
	s.submit(func(ctx context.Context) error {
		return s.history.AppendEntry(ctx, &copied)
	})
}

// SaveSnapshot queues the durable state upsert, and every trimEvery versions
// also queues an operation-log trim so the log table stays bounded.
func (s *PersisterService) SaveSnapshot(resourceID string, kind models.ResourceKind, content string, version uint64) {
	s.submit(func(ctx context.Context) error {
		return s.snapshots.SaveSnapshot(ctx, resourceID, kind, content, version)
	})
	if version > 0 && version%trimEvery == 0 {
		s.submit(func(ctx context.Context) error {
			return s.operations.DeleteOldOperations(ctx, resourceID, keepOperations)
		})
	}
}

// Shutdown drains the queue, waits for in-flight writes, then stops the
// workers. Safe to call while sessions are still winding down: late submits
// land in the queue or are dropped, never panic.
func (s *PersisterService) Shutdown() {
	deadline := time.After(10 * time.Second)
	for len(s.jobs) > 0 {
		select {
		case <-deadline:
			log.Printf("persistence shutdown timed out with %d queued writes", len(s.jobs))
			s.cancel()
			s.wg.Wait()
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.cancel()
	s.wg.Wait()
	log.Println("✓ Persistence pool shutdown complete")
}
