// Package runner executes runs: it owns the run lifecycle state machine,
// the dispatch ledger with duplicate blocking, cooperative cancellation
// tokens, and the bounded worker pool that drains the run queue.
package runner

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/crewrun/crewd/pkg/agent"
	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/models"
)

// CallTracker is a run's dispatch ledger. Every team and worker dispatch is
// recorded; for teams configured with prevent_duplicate, a worker dispatch
// whose normalized task fingerprint matches an earlier dispatch in the same
// team is blocked instead of executed.
//
// One tracker serves one run and is discarded when the run settles.
type CallTracker struct {
	hierarchy *config.HierarchyConfig
	cancel    agent.CancelCheck

	mu      sync.Mutex
	nextID  int
	calls   []*models.CallRecord
	byTeam  map[string]map[uint64]string // team -> fingerprint -> call ID
	byID    map[string]*models.CallRecord
}

// NewCallTracker creates a tracker bound to one run's hierarchy and cancel
// token.
func NewCallTracker(hierarchy *config.HierarchyConfig, cancel agent.CancelCheck) *CallTracker {
	return &CallTracker{
		hierarchy: hierarchy,
		cancel:    cancel,
		byTeam:    make(map[string]map[uint64]string),
		byID:      make(map[string]*models.CallRecord),
	}
}

// Open implements agent.DispatchLedger. workerName is empty for team-level
// dispatch. Duplicate blocking applies only to worker dispatch inside teams
// that opted in; the blocked attempt is still recorded for statistics.
func (t *CallTracker) Open(teamName, workerName, task string) (string, bool, error) {
	if err := t.cancel.Err(); err != nil {
		return "", false, err
	}

	fingerprint := TaskFingerprint(task)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	record := &models.CallRecord{
		ID:              fmt.Sprintf("call_%d", t.nextID),
		TeamName:        teamName,
		WorkerName:      workerName,
		Task:            task,
		Status:          models.CallStatusInProgress,
		TaskFingerprint: fingerprint,
		StartTime:       time.Now(),
	}

	if workerName != "" && t.preventDuplicate(teamName) {
		index, ok := t.byTeam[teamName]
		if !ok {
			index = make(map[uint64]string)
			t.byTeam[teamName] = index
		}
		if prior, seen := index[fingerprint]; seen {
			if t.byID[prior].Status != models.CallStatusFailed {
				now := time.Now()
				record.Status = models.CallStatusDuplicateBlocked
				record.EndTime = &now
				t.calls = append(t.calls, record)
				t.byID[record.ID] = record
				return record.ID, true, nil
			}
			// A failed attempt does not block a retry of the same task.
		}
		index[fingerprint] = record.ID
	}

	t.calls = append(t.calls, record)
	t.byID[record.ID] = record
	return record.ID, false, nil
}

// Close implements agent.DispatchLedger.
func (t *CallTracker) Close(callID string, status models.CallStatus, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.byID[callID]
	if !ok || record.EndTime != nil {
		return
	}
	now := time.Now()
	record.Status = status
	record.EndTime = &now
	record.ResultPreview = models.Preview(result)
}

// CloseOpen marks every still-open call with the given status. Called when
// a run settles so cancelled or abandoned dispatches are not left dangling.
func (t *CallTracker) CloseOpen(status models.CallStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, record := range t.calls {
		if record.EndTime == nil {
			record.Status = status
			record.EndTime = &now
		}
	}
}

// Calls returns a snapshot of the ledger in dispatch order.
func (t *CallTracker) Calls() []models.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.CallRecord, len(t.calls))
	for i, record := range t.calls {
		out[i] = *record
	}
	return out
}

// Statistics aggregates the ledger into the run's statistics block.
func (t *CallTracker) Statistics() *models.RunStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := &models.RunStatistics{
		ByTeam:      make(map[string]int),
		ByWorker:    make(map[string]int),
		DurationsMs: make(map[string]int64),
	}
	for _, record := range t.calls {
		stats.TotalCalls++
		switch record.Status {
		case models.CallStatusCompleted:
			stats.CompletedCalls++
		case models.CallStatusDuplicateBlocked:
			stats.BlockedCalls++
		case models.CallStatusFailed:
			stats.FailedCalls++
		}
		// A worker dispatch counts toward the worker only, never its team.
		if record.WorkerName == "" {
			stats.ByTeam[record.TeamName]++
		} else {
			stats.ByWorker[record.WorkerName]++
		}
		if record.EndTime != nil {
			stats.DurationsMs[record.ID] = record.EndTime.Sub(record.StartTime).Milliseconds()
		}
	}
	return stats
}

func (t *CallTracker) preventDuplicate(teamName string) bool {
	team := t.hierarchy.Team(teamName)
	return team != nil && team.PreventDuplicate
}

// TaskFingerprint hashes a normalized task: surrounding whitespace trimmed,
// interior whitespace collapsed, case folded. Tasks that differ only in
// formatting dispatch identical work and must collide.
func TaskFingerprint(task string) uint64 {
	normalized := strings.ToLower(strings.Join(strings.Fields(task), " "))
	return xxhash.Sum64String(normalized)
}
