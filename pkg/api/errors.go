package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/runner"
)

// respondError maps domain errors to HTTP error responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runner.ErrRunNotFound), errors.Is(err, config.ErrHierarchyNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, runner.ErrRunSettled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, runner.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// respondBadRequest reports a request validation failure.
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
