package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/service"
)

// AlarmLister lists archived alarms with overrides applied.
type AlarmLister interface {
	List(ctx context.Context, p domain.Period, stations []int64) ([]service.Alarm, error)
}

// AdjustmentStore manages manual alarm overrides.
type AdjustmentStore interface {
	Upsert(ctx context.Context, adj *domain.AlarmAdjustment) error
	Get(ctx context.Context, alarmID int64) (*domain.AlarmAdjustment, error)
	Delete(ctx context.Context, alarmID int64) error
	List(ctx context.Context, stations []int64) ([]domain.AlarmAdjustment, error)
}

// AlarmHandler serves alarms and their adjustments.
type AlarmHandler struct {
	alarms      AlarmLister
	adjustments AdjustmentStore
}

// NewAlarmHandler creates a new alarm handler.
func NewAlarmHandler(alarms AlarmLister, adjustments AdjustmentStore) *AlarmHandler {
	return &AlarmHandler{alarms: alarms, adjustments: adjustments}
}

// List handles GET /api/v1/alarms?period=YYYY-MM&stations=1,2.
func (h *AlarmHandler) List(c *gin.Context) {
	p, err := domain.ParsePeriod(c.Query("period"))
	if err != nil {
		writeError(c, err)
		return
	}
	stations, err := parseStations(c.Query("stations"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	alarms, err := h.alarms.List(c.Request.Context(), p, stations)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"period": p.String(),
		"total":  len(alarms),
		"alarms": alarms,
	})
}

// ListAdjustments handles GET /api/v1/alarms/adjustments.
func (h *AlarmHandler) ListAdjustments(c *gin.Context) {
	stations, err := parseStations(c.Query("stations"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	list, err := h.adjustments.List(c.Request.Context(), stations)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(list), "adjustments": list})
}

// GetAdjustment handles GET /api/v1/alarms/adjustments/:id.
func (h *AlarmHandler) GetAdjustment(c *gin.Context) {
	id, ok := alarmID(c)
	if !ok {
		return
	}
	adj, err := h.adjustments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, adj)
}

// PutAdjustment handles PUT /api/v1/alarms/adjustments/:id.
func (h *AlarmHandler) PutAdjustment(c *gin.Context) {
	id, ok := alarmID(c)
	if !ok {
		return
	}
	var adj domain.AlarmAdjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		badRequest(c, err.Error())
		return
	}
	adj.AlarmID = id
	if adj.TimeOn != nil && adj.TimeOff != nil && adj.TimeOff.Before(*adj.TimeOn) {
		badRequest(c, "time_off is before time_on")
		return
	}
	if err := h.adjustments.Upsert(c.Request.Context(), &adj); err != nil {
		writeError(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).WithField("alarm_id", id).Info("Alarm adjustment saved")
	c.JSON(http.StatusOK, adj)
}

// DeleteAdjustment handles DELETE /api/v1/alarms/adjustments/:id.
func (h *AlarmHandler) DeleteAdjustment(c *gin.Context) {
	id, ok := alarmID(c)
	if !ok {
		return
	}
	if err := h.adjustments.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func alarmID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "alarm id must be an integer")
		return 0, false
	}
	return id, true
}

func parseStations(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
