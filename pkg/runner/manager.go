package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/models"
)

// queueCapacity bounds how many accepted runs may wait for a pool worker.
const queueCapacity = 256

// Manager sentinels.
var (
	// ErrQueueFull is returned by Start when the pending queue is saturated.
	ErrQueueFull = errors.New("run queue is full")

	// ErrRunSettled is returned by Cancel for runs already in a terminal state.
	ErrRunSettled = errors.New("run already settled")
)

// Manager owns the run pool: a bounded FIFO queue drained by a fixed number
// of workers, each executing one run at a time. Runs are accepted as pending
// and picked up in submission order.
type Manager struct {
	runner      *Runner
	store       RunStore
	hierarchies *config.HierarchyRegistry
	cancels     *CancelRegistry
	poolSize    int

	queue    chan int64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[int64]struct{}
}

// NewManager creates a manager. Call Start workers via Run before accepting
// traffic.
func NewManager(runner *Runner, store RunStore, hierarchies *config.HierarchyRegistry, cancels *CancelRegistry, poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = config.DefaultWorkerPoolSize
	}
	return &Manager{
		runner:      runner,
		store:       store,
		hierarchies: hierarchies,
		cancels:     cancels,
		poolSize:    poolSize,
		queue:       make(chan int64, queueCapacity),
		stopCh:      make(chan struct{}),
		active:      make(map[int64]struct{}),
	}
}

// Run launches the worker pool. It returns immediately; workers drain the
// queue until Shutdown.
func (m *Manager) Run(ctx context.Context) {
	for i := 0; i < m.poolSize; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	slog.Info("Run pool started", "workers", m.poolSize, "queue_capacity", queueCapacity)
}

// Start accepts a new run: it resolves the hierarchy, persists the run as
// pending, registers its cancel token and enqueues it for a pool worker.
func (m *Manager) Start(ctx context.Context, hierarchyID, task string) (*models.Run, error) {
	if _, err := m.hierarchies.Get(hierarchyID); err != nil {
		return nil, err
	}

	run := &models.Run{
		HierarchyID: hierarchyID,
		Task:        task,
		Status:      models.RunStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := m.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	m.cancels.Register(run.ID)

	select {
	case m.queue <- run.ID:
	default:
		m.cancels.Unregister(run.ID)
		if _, err := m.store.MarkCancelledPending(ctx, run.ID); err != nil {
			slog.Warn("Rejected run cleanup failed", "run_id", run.ID, "error", err)
		}
		return nil, ErrQueueFull
	}

	slog.Info("Run accepted", "run_id", run.ID, "hierarchy_id", hierarchyID)
	return run, nil
}

// Cancel requests cancellation of a run.
//
// Pending runs transition to cancelled directly and never execute. Running
// runs have their token signalled; the run unwinds at the next safe point
// and settles as cancelled. Settled runs return ErrRunSettled.
func (m *Manager) Cancel(ctx context.Context, runID int64) (*models.Run, error) {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, ErrRunSettled
	}

	if run.Status == models.RunStatusPending {
		moved, err := m.store.MarkCancelledPending(ctx, runID)
		if err != nil {
			return nil, err
		}
		if moved {
			// The queued entry is now a tombstone; the worker that dequeues
			// it observes the terminal status and skips it.
			m.cancels.Cancel(runID)
			m.cancels.Unregister(runID)
			slog.Info("Pending run cancelled", "run_id", runID)
			return m.store.Get(ctx, runID)
		}
		// Lost the race with a worker pickup; fall through to the running path.
	}

	if !m.cancels.Cancel(runID) {
		return m.store.Get(ctx, runID)
	}
	slog.Info("Run cancellation requested", "run_id", runID)
	return m.store.Get(ctx, runID)
}

// Active returns the number of runs currently executing.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Queued returns the number of accepted runs waiting for a worker.
func (m *Manager) Queued() int { return len(m.queue) }

// Shutdown stops accepting queued work, signals every registered cancel
// token and waits for in-flight runs to unwind, up to the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if n := m.cancels.CancelAll(); n > 0 {
			slog.Info("Shutdown signalled active runs", "count", n)
		}
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Run pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run pool shutdown: %w", ctx.Err())
	}
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	logger := slog.With("pool_worker", id)

	for {
		select {
		case <-m.stopCh:
			return
		case runID := <-m.queue:
			m.process(ctx, runID, logger)
		}
	}
}

func (m *Manager) process(ctx context.Context, runID int64, logger *slog.Logger) {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		logger.Error("Queued run lookup failed", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		// Cancelled while pending.
		m.cancels.Unregister(runID)
		return
	}

	hierarchy, err := m.hierarchies.Get(run.HierarchyID)
	if err != nil {
		logger.Error("Queued run hierarchy missing", "run_id", runID, "hierarchy_id", run.HierarchyID, "error", err)
		if settleErr := m.store.Settle(ctx, runID, models.RunStatusFailed, "", "hierarchy no longer registered", nil); settleErr != nil {
			logger.Error("Orphan run settlement failed", "run_id", runID, "error", settleErr)
		}
		m.cancels.Unregister(runID)
		return
	}

	token := m.cancels.Get(runID)
	if token == nil {
		token = m.cancels.Register(runID)
	}

	m.mu.Lock()
	m.active[runID] = struct{}{}
	m.mu.Unlock()

	m.runner.Execute(ctx, run, &hierarchy, token)

	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
	m.cancels.Unregister(runID)
}
