package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/models"
	"github.com/crewrun/crewd/pkg/runner"
)

// maxListLimit caps a single run-listing page.
const maxListLimit = 1000

// streamPath is where clients subscribe for a run's live events.
const streamPath = "/api/executor/v1/runs/stream"

// StartRun accepts a new run and enqueues it for execution. The run is
// acknowledged in pending status; execution begins when a pool worker picks
// it up.
func (s *Server) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "task must not be blank"})
		return
	}

	run, err := s.manager.Start(c.Request.Context(), req.HierarchyID, req.Task)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StartRunResponse{
		ID:          run.ID,
		HierarchyID: run.HierarchyID,
		Task:        run.Task,
		Status:      run.Status,
		StreamURL:   streamPath,
		CreatedAt:   run.CreatedAt,
	})
}

// GetRun returns one run with its status, result and statistics.
func (s *Server) GetRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	run, err := s.store.Get(c.Request.Context(), req.RunID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{Run: run})
}

// ListRuns returns a page of runs, newest first.
func (s *Server) ListRuns(c *gin.Context) {
	var req ListRunsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	runs, total, err := s.store.List(c.Request.Context(), runner.ListParams{
		HierarchyID: req.HierarchyID,
		Status:      models.RunStatus(req.Status),
		Limit:       limit,
		Offset:      req.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Total: total})
}

// CancelRun requests cancellation. Pending runs settle immediately; running
// runs unwind cooperatively and settle shortly after. Already-settled runs
// return 409.
func (s *Server) CancelRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	run, err := s.manager.Cancel(c.Request.Context(), req.RunID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{Run: run})
}
