package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/service"
)

// Validator is the integrity validation surface.
type Validator interface {
	RunValidation(ctx context.Context, req service.ValidationRequest) (*service.ValidationHandle, error)
	GetValidationReport() (*domain.ValidationReport, error)
	GetValidationRules() (*domain.ValidationRules, error)
}

// ValidationHandler serves the validation endpoints.
type ValidationHandler struct {
	validator Validator
}

// NewValidationHandler creates a new validation handler.
func NewValidationHandler(validator Validator) *ValidationHandler {
	return &ValidationHandler{validator: validator}
}

// ValidationRunRequest is the body of POST /api/v1/validation/run.
// Dates and StartDate/EndDate are mutually exclusive.
type ValidationRunRequest struct {
	Dates          []string `json:"dates"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	StuckIntervals *int     `json:"stuck_intervals"`
	ExcludeZero    *bool    `json:"exclude_zero"`
	Types          []string `json:"types"`
}

func (r ValidationRunRequest) toService() (service.ValidationRequest, error) {
	var out service.ValidationRequest
	dates, err := parseDates(r.Dates)
	if err != nil {
		return out, err
	}
	types, err := parseTypes(r.Types)
	if err != nil {
		return out, err
	}
	start, err := optionalDate(r.StartDate)
	if err != nil {
		return out, err
	}
	end, err := optionalDate(r.EndDate)
	if err != nil {
		return out, err
	}
	out.Dates = dates
	out.Start = start
	out.End = end
	out.StuckIntervals = r.StuckIntervals
	out.ExcludeZero = r.ExcludeZero
	out.Types = types
	return out, nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Run handles POST /api/v1/validation/run.
func (h *ValidationHandler) Run(c *gin.Context) {
	var body ValidationRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	req, err := body.toService()
	if err != nil {
		writeError(c, err)
		return
	}
	handle, err := h.validator.RunValidation(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// Report handles GET /api/v1/validation/report.
func (h *ValidationHandler) Report(c *gin.Context) {
	report, err := h.validator.GetValidationReport()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Rules handles GET /api/v1/validation/rules.
func (h *ValidationHandler) Rules(c *gin.Context) {
	rules, err := h.validator.GetValidationRules()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}
