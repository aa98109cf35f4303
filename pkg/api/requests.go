package api

// StartRunRequest starts a run of a registered hierarchy.
type StartRunRequest struct {
	HierarchyID string `json:"hierarchy_id" binding:"required"`
	Task        string `json:"task" binding:"required"`
}

// RunRequest addresses one run.
type RunRequest struct {
	RunID int64 `json:"id" binding:"required"`
}

// StreamRequest opens a live event stream for one run. BufferSize overrides
// the server's configured per-subscriber buffer when positive.
type StreamRequest struct {
	RunID      int64 `json:"id" binding:"required"`
	BufferSize int   `json:"buffer_size"`
}

// EventsRequest pages through a run's durable event log. StartID defaults to
// "-" (earliest) and EndID to "+" (latest); a StartID prefixed with "(" is
// exclusive, which is how a client resumes after a previous page.
type EventsRequest struct {
	RunID   int64  `json:"id" binding:"required"`
	StartID string `json:"start_id"`
	EndID   string `json:"end_id"`
	Limit   int    `json:"limit"`
}

// ListRunsRequest filters and pages the run listing.
type ListRunsRequest struct {
	HierarchyID string `json:"hierarchy_id"`
	Status      string `json:"status"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
}
