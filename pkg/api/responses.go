package api

import (
	"time"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// StartRunResponse acknowledges an accepted run. StreamURL is where the
// caller subscribes for the run's live events.
type StartRunResponse struct {
	ID          int64            `json:"id"`
	HierarchyID string           `json:"hierarchy_id"`
	Task        string           `json:"task"`
	Status      models.RunStatus `json:"status"`
	StreamURL   string           `json:"stream_url"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RunResponse wraps a single run.
type RunResponse struct {
	Run *models.Run `json:"run"`
}

// ListRunsResponse is a page of runs plus the unpaged total.
type ListRunsResponse struct {
	Runs  []models.Run `json:"runs"`
	Total int          `json:"total"`
}

// EventsResponse is one page of a run's durable event log. NextID, present
// only when HasMore is set, is the exclusive start_id for the next page.
type EventsResponse struct {
	RunID   int64          `json:"run_id"`
	Events  []events.Entry `json:"events"`
	Count   int            `json:"count"`
	HasMore bool           `json:"has_more"`
	NextID  string         `json:"next_id,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
