package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/scadarchive/internal/domain"
)

// RunLister reads orchestrator run history.
type RunLister interface {
	List(ctx context.Context, status domain.RunState, limit, offset int) ([]domain.RunRecord, error)
}

// RunHandler serves run history.
type RunHandler struct {
	runs RunLister
}

// NewRunHandler creates a new run handler.
func NewRunHandler(runs RunLister) *RunHandler {
	return &RunHandler{runs: runs}
}

// List handles GET /api/v1/runs?status=&limit=&offset=.
func (h *RunHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	runs, err := h.runs.List(c.Request.Context(), domain.RunState(c.Query("status")), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}
