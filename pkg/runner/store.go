package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/crewrun/crewd/pkg/models"
)

// ErrRunNotFound is returned by run stores for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ListParams filter and page the run listing.
type ListParams struct {
	HierarchyID string
	Status      models.RunStatus
	Limit       int
	Offset      int
}

// RunStore persists run records. The Postgres implementation lives in
// pkg/database; MemoryRunStore below backs tests and storage-less deployments.
type RunStore interface {
	// Create persists a new run and assigns its ID.
	Create(ctx context.Context, run *models.Run) error

	// Get returns one run.
	Get(ctx context.Context, id int64) (*models.Run, error)

	// List returns runs ordered by ID descending, plus the unpaged total.
	List(ctx context.Context, params ListParams) ([]models.Run, int, error)

	// MarkRunning transitions pending -> running and stamps started_at.
	// Returns false when the run was no longer pending.
	MarkRunning(ctx context.Context, id int64) (bool, error)

	// MarkCancelledPending transitions pending -> cancelled for a run that
	// never started. Returns false when the run was no longer pending.
	MarkCancelledPending(ctx context.Context, id int64) (bool, error)

	// SaveTopology stores the materialized topology snapshot.
	SaveTopology(ctx context.Context, id int64, topology json.RawMessage) error

	// Settle finalizes a running run with its terminal status.
	Settle(ctx context.Context, id int64, status models.RunStatus, result, errMsg string, stats *models.RunStatistics) error
}

// MemoryRunStore is an in-memory RunStore.
type MemoryRunStore struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*models.Run
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[int64]*models.Run)}
}

// Create implements RunStore.
func (s *MemoryRunStore) Create(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	run.ID = s.nextID
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

// Get implements RunStore.
func (s *MemoryRunStore) Get(_ context.Context, id int64) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

// List implements RunStore.
func (s *MemoryRunStore) List(_ context.Context, params ListParams) ([]models.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if params.HierarchyID != "" && run.HierarchyID != params.HierarchyID {
			continue
		}
		if params.Status != "" && run.Status != params.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if params.Offset > 0 {
		if params.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[params.Offset:]
		}
	}
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}

	out := make([]models.Run, len(matched))
	for i, run := range matched {
		out[i] = *run
	}
	return out, total, nil
}

// MarkRunning implements RunStore.
func (s *MemoryRunStore) MarkRunning(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != models.RunStatusPending {
		return false, nil
	}
	now := time.Now()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	return true, nil
}

// MarkCancelledPending implements RunStore.
func (s *MemoryRunStore) MarkCancelledPending(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != models.RunStatusPending {
		return false, nil
	}
	now := time.Now()
	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now
	return true, nil
}

// SaveTopology implements RunStore.
func (s *MemoryRunStore) SaveTopology(_ context.Context, id int64, topology json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Topology = append(json.RawMessage(nil), topology...)
	return nil
}

// Settle implements RunStore.
func (s *MemoryRunStore) Settle(_ context.Context, id int64, status models.RunStatus, result, errMsg string, stats *models.RunStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now()
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.Statistics = stats
	run.CompletedAt = &now
	return nil
}
