package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/repository"
	"github.com/timmy/scadarchive/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProcessor struct {
	got    *service.RunRequest
	err    error
	active string
	abort  []string
	status domain.ProcessingStatus
}

func (f *fakeProcessor) Reconcile(_ context.Context, req service.RunRequest) (*service.RunHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = &req
	return &service.RunHandle{ID: "run-1", StartedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeProcessor) Abort(id string) error {
	if id != f.active {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	f.abort = append(f.abort, id)
	return nil
}

func (f *fakeProcessor) GetStatus() domain.ProcessingStatus { return f.status }

func (f *fakeProcessor) ActiveRun() (string, bool) { return f.active, f.active != "" }

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func processRouter(p Processor) *gin.Engine {
	h := NewProcessHandler(p)
	r := gin.New()
	r.POST("/process", h.Process)
	r.POST("/process/abort", h.Abort)
	r.GET("/status", h.Status)
	return r
}

func TestProcessAccepted(t *testing.T) {
	p := &fakeProcessor{}
	r := processRouter(p)

	w := do(t, r, http.MethodPost, "/process", gin.H{
		"dates": []string{"2024-02-01", "2024-02-02"},
		"mode":  "force-overwrite",
		"types": []string{"met", "sum"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "run-1", decode(t, w)["run_id"])

	require.NotNil(t, p.got)
	assert.Len(t, p.got.Dates, 2)
	assert.Equal(t, service.ForceOverwriteMode{}, p.got.Mode)
	assert.Equal(t, []domain.DataType{domain.DataTypeMet, domain.DataTypeAlarm}, p.got.Types)
}

func TestProcessEmptyModeUsesDefault(t *testing.T) {
	p := &fakeProcessor{}
	w := do(t, processRouter(p), http.MethodPost, "/process", gin.H{"dates": []string{"2024-02-01"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Nil(t, p.got.Mode)
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name string
		p    *fakeProcessor
		body any
		want int
	}{
		{"missing dates", &fakeProcessor{}, gin.H{"mode": "append"}, http.StatusBadRequest},
		{"bad date", &fakeProcessor{}, gin.H{"dates": []string{"01/02/2024"}}, http.StatusBadRequest},
		{"bad mode", &fakeProcessor{}, gin.H{"dates": []string{"2024-02-01"}, "mode": "merge"}, http.StatusBadRequest},
		{"bad type", &fakeProcessor{}, gin.H{"dates": []string{"2024-02-01"}, "types": []string{"xyz"}}, http.StatusBadRequest},
		{"busy", &fakeProcessor{err: domain.ErrRunInProgress}, gin.H{"dates": []string{"2024-02-01"}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, processRouter(tt.p), http.MethodPost, "/process", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestAbort(t *testing.T) {
	p := &fakeProcessor{}
	r := processRouter(p)

	w := do(t, r, http.MethodPost, "/process/abort", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing running")

	p.active = "run-7"
	w = do(t, r, http.MethodPost, "/process/abort", gin.H{"run_id": "other"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/process/abort", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"run-7"}, p.abort)
}

func TestStatus(t *testing.T) {
	p := &fakeProcessor{status: domain.ProcessingStatus{Status: domain.RunStateRunning, RunID: "run-2"}}
	w := do(t, processRouter(p), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "run-2", body["run_id"])
}

type fakeValidator struct {
	got    *service.ValidationRequest
	err    error
	report *domain.ValidationReport
}

func (f *fakeValidator) RunValidation(_ context.Context, req service.ValidationRequest) (*service.ValidationHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = &req
	return &service.ValidationHandle{ID: "val-1"}, nil
}

func (f *fakeValidator) GetValidationReport() (*domain.ValidationReport, error) {
	return f.report, nil
}

func (f *fakeValidator) GetValidationRules() (*domain.ValidationRules, error) {
	return &domain.ValidationRules{
		Ranges:   map[string]domain.Range{"wind_speed": {0, 40}},
		Defaults: domain.ValidationDefaults{StuckIntervals: 6},
	}, nil
}

func validationRouter(v Validator) *gin.Engine {
	h := NewValidationHandler(v)
	r := gin.New()
	r.POST("/validation/run", h.Run)
	r.GET("/validation/report", h.Report)
	r.GET("/validation/rules", h.Rules)
	return r
}

func TestValidationRun(t *testing.T) {
	v := &fakeValidator{}
	r := validationRouter(v)

	w := do(t, r, http.MethodPost, "/validation/run", gin.H{
		"start_date":      "2024-01-01",
		"end_date":        "2024-01-31",
		"stuck_intervals": 3,
		"exclude_zero":    true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "val-1", decode(t, w)["run_id"])
	require.NotNil(t, v.got.Start)
	require.NotNil(t, v.got.End)
	assert.Equal(t, 31, v.got.End.Day())
	assert.Equal(t, 3, *v.got.StuckIntervals)
	assert.True(t, *v.got.ExcludeZero)

	// an empty body scans everything
	w = do(t, r, http.MethodPost, "/validation/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Nil(t, v.got.Start)
	assert.Empty(t, v.got.Dates)

	w = do(t, r, http.MethodPost, "/validation/run", gin.H{"start_date": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidationRunErrors(t *testing.T) {
	busy := validationRouter(&fakeValidator{err: fmt.Errorf("%w: validation x", domain.ErrRunInProgress)})
	assert.Equal(t, http.StatusConflict, do(t, busy, http.MethodPost, "/validation/run", nil).Code)

	badCfg := validationRouter(&fakeValidator{err: fmt.Errorf("%w: stuck_intervals must be at least 2", domain.ErrValidationConfig)})
	assert.Equal(t, http.StatusBadRequest, do(t, badCfg, http.MethodPost, "/validation/run", nil).Code)
}

func TestValidationReportAndRules(t *testing.T) {
	v := &fakeValidator{report: &domain.ValidationReport{Details: []domain.FileReport{}}}
	r := validationRouter(v)

	w := do(t, r, http.MethodGet, "/validation/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "summary")

	w = do(t, r, http.MethodGet, "/validation/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{float64(0), float64(40)}, body["ranges"].(map[string]any)["wind_speed"])
}

type fakeAlarms struct {
	period   domain.Period
	stations []int64
}

func (f *fakeAlarms) List(_ context.Context, p domain.Period, stations []int64) ([]service.Alarm, error) {
	f.period = p
	f.stations = stations
	return []service.Alarm{{ID: 10, StationNr: 1, AlarmCode: 1001}}, nil
}

type memAdjustments map[int64]domain.AlarmAdjustment

func (m memAdjustments) Upsert(_ context.Context, adj *domain.AlarmAdjustment) error {
	m[adj.AlarmID] = *adj
	return nil
}

func (m memAdjustments) Get(_ context.Context, id int64) (*domain.AlarmAdjustment, error) {
	a, ok := m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (m memAdjustments) Delete(_ context.Context, id int64) error {
	if _, ok := m[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m, id)
	return nil
}

func (m memAdjustments) List(context.Context, []int64) ([]domain.AlarmAdjustment, error) {
	out := make([]domain.AlarmAdjustment, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out, nil
}

func alarmRouter(a AlarmLister, s AdjustmentStore) *gin.Engine {
	h := NewAlarmHandler(a, s)
	r := gin.New()
	r.GET("/alarms", h.List)
	r.GET("/alarms/adjustments", h.ListAdjustments)
	r.GET("/alarms/adjustments/:id", h.GetAdjustment)
	r.PUT("/alarms/adjustments/:id", h.PutAdjustment)
	r.DELETE("/alarms/adjustments/:id", h.DeleteAdjustment)
	return r
}

func TestAlarmList(t *testing.T) {
	a := &fakeAlarms{}
	r := alarmRouter(a, memAdjustments{})

	w := do(t, r, http.MethodGet, "/alarms?period=2024-01&stations=1,%202", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.Period{Year: 2024, Month: time.January}, a.period)
	assert.Equal(t, []int64{1, 2}, a.stations)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/alarms?period=2024-13", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/alarms?period=2024-01&stations=x", nil).Code)
}

func TestAdjustmentLifecycle(t *testing.T) {
	store := memAdjustments{}
	r := alarmRouter(&fakeAlarms{}, store)
	on := time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC)

	w := do(t, r, http.MethodPut, "/alarms/adjustments/10", gin.H{
		"alarm_code": 1001,
		"station_nr": 1,
		"time_on":    on,
		"time_off":   on.Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, store, int64(10))
	assert.Equal(t, int64(1001), store[10].AlarmCode)

	w = do(t, r, http.MethodPut, "/alarms/adjustments/10", gin.H{
		"time_on":  on,
		"time_off": on.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/alarms/adjustments/10", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/alarms/adjustments/abc", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/alarms/adjustments/10", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/alarms/adjustments/10", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/alarms/adjustments/10", nil).Code)
}

type fakeRuns struct {
	status        domain.RunState
	limit, offset int
}

func (f *fakeRuns) List(_ context.Context, status domain.RunState, limit, offset int) ([]domain.RunRecord, error) {
	f.status, f.limit, f.offset = status, limit, offset
	return []domain.RunRecord{{ID: "a"}}, nil
}

func TestRunList(t *testing.T) {
	runs := &fakeRuns{}
	r := gin.New()
	r.GET("/runs", NewRunHandler(runs).List)

	w := do(t, r, http.MethodGet, "/runs?status=error&limit=1000&offset=-3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.RunStateError, runs.status)
	assert.Equal(t, 20, runs.limit)
	assert.Equal(t, 0, runs.offset)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	r := gin.New()
	r.GET("/health", NewHealthHandler(map[string]Pinger{"source": ok, "mirror": nil}, time.Second).Health)
	w := do(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body["dependencies"], "mirror")

	r = gin.New()
	r.GET("/health", NewHealthHandler(map[string]Pinger{"source": down}, time.Second).Health)
	body = decode(t, do(t, r, http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["source"])
}
