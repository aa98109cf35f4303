package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// heartbeatInterval is how often an SSE comment keeps idle connections alive
// through proxies.
const heartbeatInterval = 15 * time.Second

// Stream delivers a run's events as server-sent events. Active runs stream
// live from the bus; settled runs fall back to a full replay of the durable
// log. Either way the stream ends with a terminal system.close event.
func (s *Server) Stream(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	sub, err := s.bus.Subscribe(req.RunID, s.streamBuffer(req.BufferSize))
	if errors.Is(err, events.ErrRunClosed) {
		s.replayStream(c, req.RunID)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	defer s.bus.Unsubscribe(sub)

	sseHeaders(c)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-heartbeat.C:
			if !writeHeartbeat(c) {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				writeClose(c)
				return
			}
			if !writeEvent(c, event) {
				return
			}
		}
	}
}

// replayStream serves the settled-run fallback: the durable log is replayed
// over SSE in full, then the stream closes.
func (s *Server) replayStream(c *gin.Context, runID int64) {
	ctx := c.Request.Context()
	if _, err := s.store.Get(ctx, runID); err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)
	startID := "-"
	for {
		entries, hasMore, nextID, err := s.eventStore.Range(ctx, runID, startID, "+", maxEventsLimit)
		if err != nil {
			writeClose(c)
			return
		}
		for _, entry := range entries {
			if !writeEvent(c, entry.Event) {
				return
			}
		}
		if !hasMore {
			break
		}
		startID = nextID
	}
	writeClose(c)
}

func sseHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func writeEvent(c *gin.Context, event models.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	return sseWrite(c.Writer, fmt.Sprintf("event: %s\ndata: %s\n\n", event.Event.String(), payload))
}

func writeHeartbeat(c *gin.Context) bool {
	return sseWrite(c.Writer, fmt.Sprintf(": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)))
}

func writeClose(c *gin.Context) {
	sseWrite(c.Writer, "event: system.close\ndata: {}\n\n")
}

func sseWrite(w gin.ResponseWriter, frame string) bool {
	if _, err := io.WriteString(w, frame); err != nil {
		return false
	}
	w.Flush()
	return true
}
