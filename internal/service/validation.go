package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/integrity"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/metrics"
	"github.com/timmy/scadarchive/internal/notify"
)

// ReportFileName is the file name of the persisted validation report.
const ReportFileName = "validation_report.json"

// ValidationRequest selects the window and overrides detector defaults.
// Dates and Start/End are alternatives; with neither, every stored partition
// is scanned up to now.
type ValidationRequest struct {
	Dates          []time.Time
	Start          *time.Time
	End            *time.Time
	StuckIntervals *int
	ExcludeZero    *bool
	Types          []domain.DataType
}

// ValidationHandle identifies an asynchronous validation run.
type ValidationHandle struct {
	ID        string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	done   chan struct{}
	report *domain.ValidationReport
	err    error
}

// Done is closed when the run has finished.
func (h *ValidationHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx ends.
func (h *ValidationHandle) Wait(ctx context.Context) (*domain.ValidationReport, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ValidationOptions wires a ValidationService.
type ValidationOptions struct {
	Store      *archive.Store
	Config     config.ValidationConfig
	ReportPath string
	Mirror     archive.Mirror
	MirrorKey  string
	Notifier   notify.Notifier
	Clock      clockwork.Clock
	Logger     *logger.Logger
}

// ValidationService runs the integrity detectors over archived partitions
// and keeps the single current report.
type ValidationService struct {
	store      *archive.Store
	cfg        config.ValidationConfig
	reportPath string
	mirror     archive.Mirror
	mirrorKey  string
	notifier   notify.Notifier
	clock      clockwork.Clock
	logger     *logger.Logger

	mu      sync.Mutex
	active  *ValidationHandle
	current *domain.ValidationReport
}

// NewValidationService creates the validation runner.
func NewValidationService(opts ValidationOptions) *ValidationService {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	key := opts.MirrorKey
	if key == "" {
		key = ReportFileName
	}
	return &ValidationService{
		store:      opts.Store,
		cfg:        opts.Config,
		reportPath: opts.ReportPath,
		mirror:     opts.Mirror,
		mirrorKey:  key,
		notifier:   notifier,
		clock:      clock,
		logger:     log.Component("validator"),
	}
}

// RunValidation starts a validation run in the background. Only one run is
// active at a time; a second request fails with ErrRunInProgress.
func (v *ValidationService) RunValidation(ctx context.Context, req ValidationRequest) (*ValidationHandle, error) {
	if err := v.check(req); err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.active != nil {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: validation %s", domain.ErrRunInProgress, v.active.ID)
	}
	h := &ValidationHandle{
		ID:        uuid.NewString(),
		StartedAt: v.clock.Now().UTC(),
		done:      make(chan struct{}),
	}
	v.active = h
	v.mu.Unlock()

	runCtx := logger.SetRunID(context.WithoutCancel(ctx), h.ID)
	go func() {
		defer func() {
			v.mu.Lock()
			v.active = nil
			v.mu.Unlock()
			close(h.done)
		}()
		h.report, h.err = v.Validate(runCtx, req)
		if h.err != nil {
			v.alert(runCtx, h.ID, h.err)
		}
	}()
	return h, nil
}

// check rejects a request before a run is accepted.
func (v *ValidationService) check(req ValidationRequest) error {
	if _, err := v.detectorConfig(req); err != nil {
		return err
	}
	if _, err := v.types(req.Types); err != nil {
		return err
	}
	_, err := v.windows(req)
	return err
}

// Validate runs the detectors synchronously, persists the report and
// returns it.
func (v *ValidationService) Validate(ctx context.Context, req ValidationRequest) (*domain.ValidationReport, error) {
	cfg, err := v.detectorConfig(req)
	if err != nil {
		return nil, err
	}
	types, err := v.types(req.Types)
	if err != nil {
		return nil, err
	}
	windows, err := v.windows(req)
	if err != nil {
		return nil, err
	}

	start := v.clock.Now()
	log := v.log(ctx)
	log.WithFields(logger.Fields{
		"types":           types,
		"stuck_intervals": cfg.StuckIntervals,
		"exclude_zero":    cfg.ExcludeZero,
	}).Info("Validation started")

	report := &domain.ValidationReport{LastRun: start.UTC(), Details: []domain.FileReport{}}
	for _, dt := range types {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := v.scanType(ctx, dt, windows, cfg)
		if err != nil {
			return nil, err
		}
		report.Details = append(report.Details, files...)
	}
	report.Summarize()

	if err := v.persist(ctx, report); err != nil {
		return nil, err
	}

	metrics.ValidationDuration.Observe(v.clock.Since(start).Seconds())
	metrics.ValidationLastRun.Set(float64(report.LastRun.Unix()))
	for _, d := range report.Details {
		for _, is := range d.Issues {
			metrics.ValidationIssuesTotal.WithLabelValues(string(is.Type)).Inc()
		}
	}

	log.Metrics(logger.Fields{"issues": report.Summary.TotalIssues}).
		WithCount(report.Summary.TotalFilesScanned).
		WithDuration(v.clock.Since(start)).
		Info(ctx, "Validation completed")
	return report, nil
}

// scanType runs the detectors over every stored partition of dt that
// overlaps the windows.
func (v *ValidationService) scanType(ctx context.Context, dt domain.DataType, windows []window, cfg integrity.Config) ([]domain.FileReport, error) {
	table := domain.MustTable(dt)
	if d, ok := v.cfg.Intervals[string(dt)]; ok {
		table = table.WithInterval(d)
	}
	periods, err := v.store.Periods(dt)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s partitions: %w", dt, err)
	}

	var out []domain.FileReport
	for _, p := range periods {
		parts := clip(windows, p)
		if len(parts) == 0 {
			continue
		}
		fr := domain.FileReport{File: archive.FileName(dt, p), Issues: []domain.ValidationIssue{}}
		snap, err := v.store.Read(ctx, dt, p, archive.Filter{})
		if err != nil {
			v.log(ctx).WithError(err).WithFields(logger.Fields{
				logger.FieldDataType: string(dt),
				logger.FieldPeriod:   p.String(),
			}).Warn("Failed to read partition for validation")
			fr.Error = err.Error()
			out = append(out, fr)
			continue
		}
		stations := stationsOf(snap.Records)
		for _, w := range parts {
			fr.Issues = append(fr.Issues, integrity.Detect(integrity.Input{
				Table:    table,
				Records:  snap.Records,
				Start:    w.start,
				End:      w.end,
				Stations: stations,
			}, cfg)...)
		}
		out = append(out, fr)
	}
	return out, nil
}

// GetValidationReport returns the current report. Before the first run it
// is loaded from disk; with no report on disk an empty one is returned.
func (v *ValidationService) GetValidationReport() (*domain.ValidationReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		return v.current, nil
	}
	if v.reportPath == "" {
		return emptyReport(), nil
	}
	raw, err := os.ReadFile(v.reportPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyReport(), nil
		}
		return nil, fmt.Errorf("failed to read validation report: %w", err)
	}
	report := &domain.ValidationReport{}
	if err := json.Unmarshal(raw, report); err != nil {
		return nil, fmt.Errorf("failed to parse validation report: %w", err)
	}
	v.current = report
	return report, nil
}

// GetValidationRules returns the effective sensor ranges and defaults.
func (v *ValidationService) GetValidationRules() (*domain.ValidationRules, error) {
	cfg, err := v.detectorConfig(ValidationRequest{})
	if err != nil {
		return nil, err
	}
	return &domain.ValidationRules{
		Ranges: cfg.Ranges,
		Defaults: domain.ValidationDefaults{
			StuckIntervals: cfg.StuckIntervals,
			ExcludeZero:    cfg.ExcludeZero,
		},
	}, nil
}

// Running reports whether a validation run is active.
func (v *ValidationService) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active != nil
}

// detectorConfig layers request overrides over the rules file over the
// configured defaults.
func (v *ValidationService) detectorConfig(req ValidationRequest) (integrity.Config, error) {
	cfg := integrity.Config{
		StuckIntervals:   v.cfg.StuckIntervals,
		ExcludeZero:      v.cfg.ExcludeZero,
		Ranges:           integrity.DefaultRanges(),
		MaxMissingListed: v.cfg.MaxMissingListed,
	}
	if cfg.StuckIntervals == 0 {
		cfg.StuckIntervals = integrity.DefaultStuckIntervals
	}
	if cfg.MaxMissingListed == 0 {
		cfg.MaxMissingListed = integrity.DefaultMaxMissingListed
	}

	rules, err := config.LoadRules(v.cfg.RulesFile)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", domain.ErrValidationConfig, err)
	}
	for sensor, bounds := range rules.Ranges {
		cfg.Ranges[sensor] = domain.Range{bounds[0], bounds[1]}
	}
	if rules.StuckIntervals != nil {
		cfg.StuckIntervals = *rules.StuckIntervals
	}
	if rules.ExcludeZero != nil {
		cfg.ExcludeZero = *rules.ExcludeZero
	}

	if req.StuckIntervals != nil {
		cfg.StuckIntervals = *req.StuckIntervals
	}
	if req.ExcludeZero != nil {
		cfg.ExcludeZero = *req.ExcludeZero
	}
	return cfg, cfg.Validate()
}

func (v *ValidationService) types(requested []domain.DataType) ([]domain.DataType, error) {
	names := make([]string, 0, len(requested))
	for _, dt := range requested {
		names = append(names, string(dt))
	}
	if len(names) == 0 {
		names = v.cfg.Tables
	}
	if len(names) == 0 {
		names = []string{string(domain.DataTypeMet)}
	}
	seen := make(map[domain.DataType]struct{}, len(names))
	var out []domain.DataType
	for _, n := range names {
		dt, err := domain.ParseDataType(n)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[dt]; ok {
			continue
		}
		seen[dt] = struct{}{}
		out = append(out, dt)
	}
	return out, nil
}

// window is a half-open time range [start, end).
type window struct {
	start time.Time
	end   time.Time
}

// windows turns the request into disjoint ranges clamped to now. A nil
// result with no error means unbounded.
func (v *ValidationService) windows(req ValidationRequest) ([]window, error) {
	now := v.clock.Now().UTC()
	var ws []window
	switch {
	case len(req.Dates) > 0:
		if req.Start != nil || req.End != nil {
			return nil, fmt.Errorf("%w: dates and start/end are mutually exclusive", domain.ErrInvalidArgument)
		}
		for _, d := range req.Dates {
			day := truncateDay(d)
			ws = append(ws, window{day, day.AddDate(0, 0, 1)})
		}
	case req.Start != nil || req.End != nil:
		start := time.Time{}
		if req.Start != nil {
			start = truncateDay(*req.Start)
		}
		end := now
		if req.End != nil {
			end = truncateDay(*req.End).AddDate(0, 0, 1)
		}
		if !end.After(start) {
			return nil, fmt.Errorf("%w: end date before start date", domain.ErrInvalidArgument)
		}
		ws = append(ws, window{start, end})
	default:
		ws = append(ws, window{time.Time{}, now})
	}

	sort.Slice(ws, func(i, j int) bool { return ws[i].start.Before(ws[j].start) })
	var out []window
	for _, w := range ws {
		if w.end.After(now) {
			w.end = now
		}
		if !w.end.After(w.start) {
			continue
		}
		if n := len(out); n > 0 && !w.start.After(out[n-1].end) {
			if w.end.After(out[n-1].end) {
				out[n-1].end = w.end
			}
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// clip intersects the windows with the period.
func clip(ws []window, p domain.Period) []window {
	var out []window
	for _, w := range ws {
		start, end := w.start, w.end
		if start.Before(p.Start()) {
			start = p.Start()
		}
		if end.After(p.End()) {
			end = p.End()
		}
		if end.After(start) {
			out = append(out, window{start, end})
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func stationsOf(records []domain.Record) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, r := range records {
		if _, ok := seen[r.StationID]; ok {
			continue
		}
		seen[r.StationID] = struct{}{}
		out = append(out, r.StationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// persist replaces the current report in memory and on disk.
func (v *ValidationService) persist(ctx context.Context, report *domain.ValidationReport) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode validation report: %w", err)
	}
	if v.reportPath != "" {
		if err := archive.WriteFileAtomic(v.reportPath, raw); err != nil {
			return fmt.Errorf("failed to save validation report: %w", err)
		}
	}

	v.mu.Lock()
	v.current = report
	v.mu.Unlock()

	if v.mirror != nil {
		if err := v.mirror.Upload(ctx, v.mirrorKey, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
			v.log(ctx).WithError(err).Warnf("Failed to mirror validation report: key=%s", v.mirrorKey)
		}
	}
	return nil
}

func (v *ValidationService) alert(ctx context.Context, id string, cause error) {
	ev := notify.Event{
		Kind:       "validation",
		RunID:      id,
		Status:     string(domain.RunStateError),
		Message:    cause.Error(),
		FinishedAt: v.clock.Now().UTC(),
	}
	if err := v.notifier.Notify(ctx, ev); err != nil {
		v.log(ctx).WithError(err).Warn("Failed to send validation alert")
	}
}

func (v *ValidationService) log(ctx context.Context) *logger.Logger {
	if id := logger.GetRunID(ctx); id != "" {
		return v.logger.WithField(logger.FieldRunID, id)
	}
	return v.logger
}

func emptyReport() *domain.ValidationReport {
	return &domain.ValidationReport{Details: []domain.FileReport{}}
}
