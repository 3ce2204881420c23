package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/metrics"
	"github.com/timmy/scadarchive/internal/notify"
)

// RunRepository persists run history.
type RunRepository interface {
	Create(ctx context.Context, run *domain.RunRecord) error
	Update(ctx context.Context, run *domain.RunRecord) error
}

// OrchestratorConfig holds run defaults.
type OrchestratorConfig struct {
	Workers      int
	LookbackDays int
	Types        []domain.DataType
	DefaultMode  Mode
}

// RunRequest asks for the reconciliation of the windows ending on Dates.
type RunRequest struct {
	Dates []time.Time
	Mode  Mode
	Types []domain.DataType
}

// RunResult is the final account of one run.
type RunResult struct {
	RunID          string             `json:"run_id"`
	Mode           string             `json:"mode"`
	Status         domain.RunState    `json:"status"`
	Message        string             `json:"message"`
	Periods        []domain.Period    `json:"periods"`
	Steps          []domain.StepEntry `json:"steps"`
	Errors         []domain.TypeError `json:"errors,omitempty"`
	SucceededTypes []domain.DataType  `json:"succeeded_types"`
	PartialTypes   []domain.DataType  `json:"partial_types,omitempty"` // committed some periods, failed others
	FailedTypes    []domain.DataType  `json:"failed_types,omitempty"`
	Aborted        bool               `json:"aborted"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
}

// Exit codes of the command line front end.
const (
	ExitSuccess      = 0
	ExitPartial      = 1
	ExitTotalFailure = 2
	ExitInvalidArgs  = 3
)

// ExitCode maps the result onto the command line exit codes.
func (r *RunResult) ExitCode() int {
	switch {
	case r.Status == domain.RunStateError:
		return ExitTotalFailure
	case len(r.Errors) > 0 || r.Aborted:
		return ExitPartial
	}
	return ExitSuccess
}

// RunHandle identifies an active or finished run.
type RunHandle struct {
	ID        string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	done   chan struct{}
	result *RunResult
}

// Done is closed when the run has finished.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx ends.
func (h *RunHandle) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type activeRun struct {
	handle    *RunHandle
	mode      Mode
	abortOnce sync.Once
	abortCh   chan struct{}
	record    *domain.RunRecord
}

func (r *activeRun) abort() {
	r.abortOnce.Do(func() { close(r.abortCh) })
}

func (r *activeRun) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

// Orchestrator expands requested days into periods and reconciles each
// data type of a period in parallel. At most one run is active.
type Orchestrator struct {
	reconciler *Reconciler
	runs       RunRepository
	notifier   notify.Notifier
	status     *StatusTracker
	pool       pond.ResultPool[domain.StepEntry]
	clock      clockwork.Clock
	logger     *logger.Logger
	cfg        OrchestratorConfig

	mu     sync.Mutex
	active *activeRun
}

// NewOrchestrator creates an orchestrator. runs and notifier may be nil.
func NewOrchestrator(
	reconciler *Reconciler,
	runs RunRepository,
	notifier notify.Notifier,
	clock clockwork.Clock,
	log *logger.Logger,
	cfg *OrchestratorConfig,
) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.GetDefault()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = len(domain.AllDataTypes())
	}
	if c.LookbackDays < 0 {
		c.LookbackDays = 0
	}
	if len(c.Types) == 0 {
		c.Types = domain.AllDataTypes()
	}
	if c.DefaultMode == nil {
		c.DefaultMode = AppendMode{}
	}
	return &Orchestrator{
		reconciler: reconciler,
		runs:       runs,
		notifier:   notifier,
		status:     NewStatusTracker(clock),
		pool:       pond.NewResultPool[domain.StepEntry](c.Workers),
		clock:      clock,
		logger:     log.Component("orchestrator"),
		cfg:        c,
	}
}

// Close waits for queued units and stops the worker pool.
func (o *Orchestrator) Close() {
	o.pool.StopAndWait()
}

// GetStatus returns the processing status. A terminal status is reported
// once, after which the status is idle again.
func (o *Orchestrator) GetStatus() domain.ProcessingStatus {
	return o.status.Get()
}

// ActiveRun returns the id of the running run, if any.
func (o *Orchestrator) ActiveRun() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", false
	}
	return o.active.handle.ID, true
}

// Reconcile starts a run in the background.
// Parameters:
//   - ctx: request context; cancelling it does not stop the run.
//   - req: dates, mode and types.
// Returns:
//   - *RunHandle: handle for Abort and Wait.
//   - error: domain.ErrRunInProgress when a run is active, or
//     domain.ErrInvalidArgument for a bad request.
func (o *Orchestrator) Reconcile(ctx context.Context, req RunRequest) (*RunHandle, error) {
	run, periods, err := o.start(ctx, &req)
	if err != nil {
		return nil, err
	}
	runCtx := logger.SetRunID(context.WithoutCancel(ctx), run.handle.ID)
	go o.execute(runCtx, run, req, periods)
	return run.handle, nil
}

// Run executes a run synchronously.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	run, periods, err := o.start(ctx, &req)
	if err != nil {
		return nil, err
	}
	o.execute(logger.SetRunID(ctx, run.handle.ID), run, req, periods)
	return run.handle.result, nil
}

// Abort asks the active run to stop. Units already running complete; units
// not yet started are skipped.
func (o *Orchestrator) Abort(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.handle.ID != runID {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}
	o.active.abort()
	o.status.message("Abort requested")
	o.logger.WithField(logger.FieldRunID, runID).Warn("Abort requested")
	return nil
}

func (o *Orchestrator) normalize(req *RunRequest) error {
	if len(req.Dates) == 0 {
		return fmt.Errorf("%w: at least one date is required", domain.ErrInvalidArgument)
	}
	if req.Mode == nil {
		req.Mode = o.cfg.DefaultMode
	}
	if len(req.Types) == 0 {
		req.Types = o.cfg.Types
	}
	seen := make(map[domain.DataType]struct{}, len(req.Types))
	types := make([]domain.DataType, 0, len(req.Types))
	for _, dt := range req.Types {
		if _, ok := domain.TableFor(dt); !ok {
			return fmt.Errorf("%w: unknown data type %q", domain.ErrInvalidArgument, dt)
		}
		if _, dup := seen[dt]; dup {
			continue
		}
		seen[dt] = struct{}{}
		types = append(types, dt)
	}
	req.Types = types
	return nil
}

func (o *Orchestrator) start(ctx context.Context, req *RunRequest) (*activeRun, []domain.Period, error) {
	if err := o.normalize(req); err != nil {
		return nil, nil, err
	}
	periods := domain.PeriodsForDays(req.Dates, o.cfg.LookbackDays)

	dates := make([]string, len(req.Dates))
	for i, d := range req.Dates {
		dates[i] = d.Format(domain.DateLayout)
	}
	types := make([]string, len(req.Types))
	for i, dt := range req.Types {
		types[i] = string(dt)
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, nil, domain.ErrRunInProgress
	}
	id := uuid.NewString()
	if err := o.status.begin(id, req.Mode.String(), strings.Join(dates, ",")); err != nil {
		o.mu.Unlock()
		return nil, nil, err
	}
	now := o.clock.Now().UTC()
	run := &activeRun{
		handle:  &RunHandle{ID: id, StartedAt: now, done: make(chan struct{})},
		mode:    req.Mode,
		abortCh: make(chan struct{}),
		record: &domain.RunRecord{
			ID:        id,
			Mode:      req.Mode.String(),
			Dates:     dates,
			Types:     types,
			Status:    domain.RunStateStarting,
			StartedAt: &now,
		},
	}
	o.active = run
	o.mu.Unlock()

	metrics.RunningGauge.Set(1)
	if o.runs != nil {
		if err := o.runs.Create(ctx, run.record); err != nil {
			o.logger.WithError(err).Warn("Failed to persist run record")
		}
	}
	o.logger.WithFields(logger.Fields{
		logger.FieldRunID: id,
		logger.FieldMode:  req.Mode.String(),
		"dates":           dates,
		"types":           types,
		"periods":         len(periods),
	}).Info("Run started")
	return run, periods, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *activeRun, req RunRequest, periods []domain.Period) {
	result := &RunResult{
		RunID:     run.handle.ID,
		Mode:      req.Mode.String(),
		Periods:   periods,
		StartedAt: run.handle.StartedAt,
	}

	o.status.running("", fmt.Sprintf("Processing %d period(s)", len(periods)))
	for _, p := range periods {
		group := o.pool.NewGroup()
		for _, dt := range req.Types {
			group.Submit(func() domain.StepEntry {
				return o.runUnit(ctx, run, dt, p, req.Mode)
			})
		}
		entries, err := group.Wait()
		if err != nil {
			o.logger.WithError(err).Error("Worker pool reported an error")
		}
		result.Steps = append(result.Steps, entries...)
	}

	o.finish(ctx, run, req, result)
}

func (o *Orchestrator) runUnit(ctx context.Context, run *activeRun, dt domain.DataType, p domain.Period, mode Mode) (entry domain.StepEntry) {
	entry = domain.StepEntry{DataType: dt, Period: p}
	defer func() {
		if r := recover(); r != nil {
			entry.State = domain.StepFailed
			entry.Error = fmt.Sprintf("panic: %v", r)
		}
		entry.FinishedAt = o.status.now()
		metrics.ReconcileUnitsTotal.WithLabelValues(string(dt), mode.String(), string(entry.State)).Inc()
		o.status.record(entry)
	}()

	unitCtx := logger.SetPartition(ctx, string(dt), p.String())

	// abort is honoured only at unit boundaries
	if run.aborted() {
		entry.State = domain.StepAborted
		logger.CtxWarn(unitCtx, "Unit skipped, run aborted")
		return entry
	}

	start := o.clock.Now()
	out, err := o.reconciler.Reconcile(unitCtx, dt, p, mode)
	if err != nil {
		entry.State = domain.StepFailed
		entry.Error = err.Error()
		o.logger.Metrics(nil).
			WithError(err).
			WithStatus(string(domain.StepFailed)).
			WithDuration(o.clock.Since(start)).
			Error(unitCtx, "Reconciliation failed")
		return entry
	}
	entry.State = domain.StepSucceeded
	entry.Outcome = out
	return entry
}

func (o *Orchestrator) finish(ctx context.Context, run *activeRun, req RunRequest, result *RunResult) {
	failed := make(map[domain.DataType]bool)
	committed := make(map[domain.DataType]bool)
	complete := make(map[domain.DataType]bool)
	unitsOK := 0
	for _, dt := range req.Types {
		complete[dt] = true
	}
	for _, s := range result.Steps {
		switch s.State {
		case domain.StepSucceeded:
			unitsOK++
			committed[s.DataType] = true
		case domain.StepFailed:
			failed[s.DataType] = true
			complete[s.DataType] = false
			result.Errors = append(result.Errors, domain.TypeError{DataType: s.DataType, Period: s.Period, Error: s.Error})
		default:
			complete[s.DataType] = false
		}
	}
	for _, dt := range req.Types {
		switch {
		case failed[dt] && committed[dt]:
			result.PartialTypes = append(result.PartialTypes, dt)
		case failed[dt]:
			result.FailedTypes = append(result.FailedTypes, dt)
		case complete[dt]:
			result.SucceededTypes = append(result.SucceededTypes, dt)
		}
	}
	result.Aborted = run.aborted()

	// error only when no unit committed
	total := len(result.Steps)
	switch {
	case result.Aborted && unitsOK == 0:
		result.Status = domain.RunStateError
		result.Message = "Aborted before any data type completed"
	case result.Aborted:
		result.Status = domain.RunStateCompleted
		result.Message = fmt.Sprintf("Aborted after %d of %d units", unitsOK, total)
	case len(result.Errors) > 0 && unitsOK == 0:
		result.Status = domain.RunStateError
		result.Message = fmt.Sprintf("All %d data types failed", len(req.Types))
	case len(result.Errors) > 0:
		result.Status = domain.RunStateCompleted
		result.Message = fmt.Sprintf("Completed %d of %d units with failures: %s",
			unitsOK, total, joinTypes(append(append([]domain.DataType{}, result.PartialTypes...), result.FailedTypes...)))
	default:
		result.Status = domain.RunStateCompleted
		result.Message = fmt.Sprintf("Completed %d units", total)
	}
	result.FinishedAt = o.clock.Now().UTC()

	o.status.finish(result.Status, result.Message)
	run.handle.result = result

	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()

	metrics.RunningGauge.Set(0)
	metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()

	o.persist(ctx, run.record, result)
	o.alert(ctx, result)

	o.logger.Metrics(logger.Fields{
		logger.FieldRunID: result.RunID,
		"partial_types":   joinTypes(result.PartialTypes),
		"failed_types":    joinTypes(result.FailedTypes),
		"aborted":         result.Aborted,
	}).
		WithStatus(string(result.Status)).
		WithCount(unitsOK).
		WithDuration(result.FinishedAt.Sub(result.StartedAt)).
		Info(ctx, "Run finished: %s", result.Message)
	close(run.handle.done)
}

func (o *Orchestrator) persist(ctx context.Context, rec *domain.RunRecord, result *RunResult) {
	if o.runs == nil {
		return
	}
	rec.Status = result.Status
	rec.Message = result.Message
	rec.Aborted = result.Aborted
	rec.FinishedAt = &result.FinishedAt
	rec.FailedTypes = nil
	for _, dt := range append(append([]domain.DataType{}, result.PartialTypes...), result.FailedTypes...) {
		rec.FailedTypes = append(rec.FailedTypes, string(dt))
	}
	rec.Succeeded = len(result.SucceededTypes)
	rec.Failed = len(rec.FailedTypes)
	if err := o.runs.Update(ctx, rec); err != nil {
		o.logger.WithError(err).Warn("Failed to update run record")
	}
}

func (o *Orchestrator) alert(ctx context.Context, result *RunResult) {
	if len(result.Errors) == 0 && result.Status != domain.RunStateError {
		return
	}
	ev := notify.Event{
		Kind:       "reconcile",
		RunID:      result.RunID,
		Status:     string(result.Status),
		Message:    result.Message,
		Mode:       result.Mode,
		FinishedAt: result.FinishedAt,
	}
	for _, e := range result.Errors {
		ev.Failures = append(ev.Failures, fmt.Sprintf("%s %s: %s", e.DataType, e.Period, e.Error))
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.WithError(err).Warn("Failed to send run alert")
	}
}

func joinTypes(types []domain.DataType) string {
	parts := make([]string, len(types))
	for i, dt := range types {
		parts[i] = string(dt)
	}
	return strings.Join(parts, ",")
}
