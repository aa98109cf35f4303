package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run status constants. A run transitions at most once from a non-terminal
// status into one of the three terminal statuses.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is a single end-to-end execution of a hierarchy against one task.
type Run struct {
	ID          int64           `json:"id"`
	HierarchyID string          `json:"hierarchy_id"`
	Task        string          `json:"task"`
	Status      RunStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Statistics  *RunStatistics  `json:"statistics,omitempty"`
	Topology    json.RawMessage `json:"topology_snapshot,omitempty"`
}

// RunStatistics aggregates the dispatch ledger of a settled run.
type RunStatistics struct {
	TotalCalls     int              `json:"total_calls"`
	CompletedCalls int              `json:"completed_calls"`
	BlockedCalls   int              `json:"blocked_calls"`
	FailedCalls    int              `json:"failed_calls"`
	ByTeam         map[string]int   `json:"by_team,omitempty"`
	ByWorker       map[string]int   `json:"by_worker,omitempty"`
	DurationsMs    map[string]int64 `json:"durations_ms,omitempty"`
}

// Topology is the materialized agent tree captured when a run starts.
// It is frozen for audit once the run leaves pending.
type Topology struct {
	GlobalAgentID string         `json:"global_agent_id"`
	Teams         []TeamTopology `json:"teams"`
}

// TeamTopology is one team's slice of the topology snapshot.
type TeamTopology struct {
	Name    string           `json:"name"`
	AgentID string           `json:"agent_id"`
	Workers []WorkerTopology `json:"workers"`
}

// WorkerTopology is one worker's slice of the topology snapshot.
type WorkerTopology struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}
