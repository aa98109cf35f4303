package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/events"
)

// Replay paging bounds.
const (
	defaultEventsLimit = 100
	maxEventsLimit     = 10000
)

// Events replays a page of a run's durable event log. The log outlives the
// run until its TTL expires, so settled runs replay in full.
func (s *Server) Events(c *gin.Context) {
	var req EventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if _, err := s.store.Get(c.Request.Context(), req.RunID); err != nil {
		respondError(c, err)
		return
	}

	startID := req.StartID
	if startID == "" {
		startID = "-"
	}
	endID := req.EndID
	if endID == "" {
		endID = "+"
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	entries, hasMore, nextID, err := s.eventStore.Range(c.Request.Context(), req.RunID, startID, endID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	if entries == nil {
		entries = []events.Entry{}
	}
	resp := EventsResponse{RunID: req.RunID, Events: entries, Count: len(entries), HasMore: hasMore}
	if hasMore {
		resp.NextID = nextID
	}
	c.JSON(http.StatusOK, resp)
}
