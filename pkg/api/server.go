// Package api exposes the run executor over HTTP: run control endpoints,
// durable event-log replay, and live server-sent event streaming.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/runner"
)

// Server is the HTTP surface of the run executor.
type Server struct {
	manager          *runner.Manager
	store            runner.RunStore
	bus              *events.Bus
	eventStore       events.Store
	hierarchies      *config.HierarchyRegistry
	db               *sql.DB // nil when running without Postgres
	subscriberBuffer int

	httpServer *http.Server
}

// NewServer wires the API server from its collaborators. db may be nil; the
// health endpoint then skips the database section. subscriberBuffer is the
// configured per-subscriber event buffer, used when a stream request does
// not override it.
func NewServer(manager *runner.Manager, store runner.RunStore, bus *events.Bus, eventStore events.Store, hierarchies *config.HierarchyRegistry, db *sql.DB, subscriberBuffer int) *Server {
	if subscriberBuffer <= 0 {
		subscriberBuffer = events.DefaultSubscriberBuffer
	}
	return &Server{
		manager:          manager,
		store:            store,
		bus:              bus,
		eventStore:       eventStore,
		hierarchies:      hierarchies,
		db:               db,
		subscriberBuffer: subscriberBuffer,
	}
}

// streamBuffer resolves the subscriber buffer for one stream request.
func (s *Server) streamBuffer(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.subscriberBuffer
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/health", s.Health)

	v1 := router.Group("/api/executor/v1")
	runs := v1.Group("/runs")
	runs.POST("/start", s.StartRun)
	runs.POST("/get", s.GetRun)
	runs.POST("/list", s.ListRuns)
	runs.POST("/cancel", s.CancelRun)
	runs.POST("/events", s.Events)
	runs.POST("/stream", s.Stream)

	return router
}

// ListenAndServe runs the HTTP server until the context is cancelled, then
// shuts down gracefully within the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
