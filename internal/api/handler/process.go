package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/service"
)

// Processor is the orchestrator surface used by the process endpoints.
type Processor interface {
	Reconcile(ctx context.Context, req service.RunRequest) (*service.RunHandle, error)
	Abort(runID string) error
	GetStatus() domain.ProcessingStatus
	ActiveRun() (string, bool)
}

// ProcessHandler handles reconciliation runs.
type ProcessHandler struct {
	processor Processor
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(processor Processor) *ProcessHandler {
	return &ProcessHandler{processor: processor}
}

// ProcessRequest is the body of POST /api/v1/process.
type ProcessRequest struct {
	Dates []string `json:"dates" binding:"required,min=1"`
	Mode  string   `json:"mode"`
	Types []string `json:"types"`
}

// AbortRequest is the body of POST /api/v1/process/abort. An empty run id
// aborts the active run.
type AbortRequest struct {
	RunID string `json:"run_id"`
}

// Process handles POST /api/v1/process.
// Returns 202 with the run handle, 400 for a bad request and 409 while
// another run is active.
func (h *ProcessHandler) Process(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	dates, err := parseDates(req.Dates)
	if err != nil {
		writeError(c, err)
		return
	}
	// an empty mode leaves the choice to the orchestrator's default
	var mode service.Mode
	if req.Mode != "" {
		if mode, err = service.ParseMode(req.Mode); err != nil {
			writeError(c, err)
			return
		}
	}
	types, err := parseTypes(req.Types)
	if err != nil {
		writeError(c, err)
		return
	}

	handle, err := h.processor.Reconcile(c.Request.Context(), service.RunRequest{
		Dates: dates,
		Mode:  mode,
		Types: types,
	})
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Warn("Run rejected")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// Abort handles POST /api/v1/process/abort.
func (h *ProcessHandler) Abort(c *gin.Context) {
	var req AbortRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	id := req.RunID
	if id == "" {
		active, ok := h.processor.ActiveRun()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress"})
			return
		}
		id = active
	}
	if err := h.processor.Abort(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id, "message": "abort requested"})
}

// Status handles GET /api/v1/status.
func (h *ProcessHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.processor.GetStatus())
}

func parseDates(in []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(in))
	for _, s := range in {
		d, err := domain.ParseDate(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseTypes(in []string) ([]domain.DataType, error) {
	out := make([]domain.DataType, 0, len(in))
	for _, s := range in {
		dt, err := domain.ParseDataType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}
