package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/database"
)

// pinger is implemented by event stores with a remote connection to verify.
// The in-memory store does not implement it and is skipped.
type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports service liveness, pool occupancy and the reachability of
// the configured backing stores.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"status":      "healthy",
		"active_runs": s.manager.Active(),
		"queued_runs": s.manager.Queued(),
		"hierarchies": s.hierarchies.Len(),
	}
	healthy := true

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db)
		body["database"] = dbHealth
		if err != nil {
			healthy = false
		}
	}

	if p, ok := s.eventStore.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			body["event_log"] = gin.H{"status": "unhealthy", "error": err.Error()}
			healthy = false
		} else {
			body["event_log"] = gin.H{"status": "healthy"}
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
