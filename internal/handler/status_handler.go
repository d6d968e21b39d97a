// Package handler exposes read-only queue snapshots over HTTP for
// dashboards and monitoring. All mutation happens through chat commands.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/regbot/internal/engine"
	"github.com/stemsi/regbot/internal/response"
)

// StatusHandler serves queue snapshots.
type StatusHandler struct {
	engine *engine.Engine
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(eng *engine.Engine) *StatusHandler {
	return &StatusHandler{engine: eng}
}

// ListAll returns snapshots for every course in every group.
// GET /api/v1/status
func (h *StatusHandler) ListAll(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.Statuses())
}

// GetCourse returns the snapshot for one course.
// GET /api/v1/status/:group/:course
func (h *StatusHandler) GetCourse(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Param("group"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	statuses, err := h.engine.Status(groupID, c.Param("course"))
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, statuses[0])
}
