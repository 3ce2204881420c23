package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
)

// gatedMirror blocks uploads until gate is closed.
type gatedMirror struct {
	mu      sync.Mutex
	keys    []string
	entered chan struct{}
	gate    chan struct{}
}

func (m *gatedMirror) Upload(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

// seedDay commits one met partition for 2024-01-10 at station 1. The first
// three speed readings are equal and slot 100 is missing.
func seedDay(t *testing.T, store *archive.Store) {
	t.Helper()
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	var recs []domain.Record
	for i := 0; i < 144; i++ {
		if i == 100 {
			continue
		}
		speed := float64(i%7) + 10
		if i < 3 {
			speed = 5
		}
		ts := day.Add(time.Duration(i) * 10 * time.Minute)
		recs = append(recs, series(domain.DataTypeMet, 1, ts, speed, float64(i), 900+float64(i), float64(i%50)))
	}
	err := store.Replace(context.Background(), &archive.Snapshot{
		Table:   domain.MustTable(domain.DataTypeMet),
		Period:  jan,
		Records: recs,
	})
	require.NoError(t, err)
}

func newValidationService(t *testing.T, store *archive.Store, now time.Time, opts ValidationOptions) *ValidationService {
	t.Helper()
	opts.Store = store
	opts.Clock = clockwork.NewFakeClockAt(now)
	if opts.Config.StuckIntervals == 0 {
		opts.Config.StuckIntervals = 3
	}
	if opts.Config.Tables == nil {
		opts.Config.Tables = []string{"met"}
	}
	if opts.ReportPath == "" {
		opts.ReportPath = filepath.Join(t.TempDir(), ReportFileName)
	}
	return NewValidationService(opts)
}

func TestValidateReportsAndPersists(t *testing.T) {
	store := newStore(t)
	seedDay(t, store)
	svc := newValidationService(t, store, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{})

	report, err := svc.Validate(context.Background(), ValidationRequest{Dates: []time.Time{day("2024-01-10")}})
	require.NoError(t, err)

	require.Len(t, report.Details, 1)
	assert.Equal(t, "2024-01-met.csv.zst", report.Details[0].File)
	s := report.Summary
	assert.Equal(t, 1, s.TotalFilesScanned)
	assert.Equal(t, 1, s.FilesWithIssues)
	assert.Equal(t, 1, s.StuckValuesCount)
	assert.Equal(t, 1, s.CompletenessIssuesCount)
	assert.Equal(t, 1, s.SystemIssuesCount, "a single station outage is site-wide")
	assert.Equal(t, 0, s.OutOfRangeCount)
	assert.Equal(t, 3, s.TotalIssues)

	for _, is := range report.Details[0].Issues {
		if is.Type == domain.IssueCompleteness {
			assert.Equal(t, 144, *is.TotalExpected)
			assert.Equal(t, []string{"2024-01-10 16:40:00"}, is.MissingTimestamps)
		}
	}

	// a fresh service reads the persisted report
	again := NewValidationService(ValidationOptions{Store: store, ReportPath: svc.reportPath})
	loaded, err := again.GetValidationReport()
	require.NoError(t, err)
	assert.Equal(t, report.Summary, loaded.Summary)
	assert.True(t, report.LastRun.Equal(loaded.LastRun))
}

func TestValidateClampsWindowToNow(t *testing.T) {
	store := newStore(t)
	seedDay(t, store)
	svc := newValidationService(t, store, time.Date(2024, 1, 10, 18, 0, 0, 0, time.UTC), ValidationOptions{})

	report, err := svc.Validate(context.Background(), ValidationRequest{Dates: []time.Time{day("2024-01-10")}})
	require.NoError(t, err)
	require.Len(t, report.Details, 1)
	var found bool
	for _, is := range report.Details[0].Issues {
		if is.Type == domain.IssueCompleteness {
			found = true
			assert.Equal(t, 108, *is.TotalExpected)
		}
	}
	assert.True(t, found)
}

func TestValidateSkipsPartitionsOutsideWindow(t *testing.T) {
	store := newStore(t)
	seedDay(t, store)
	svc := newValidationService(t, store, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{})

	start, end := day("2024-02-01"), day("2024-02-10")
	report, err := svc.Validate(context.Background(), ValidationRequest{Start: &start, End: &end})
	require.NoError(t, err)
	assert.Empty(t, report.Details)
	assert.Equal(t, 0, report.Summary.TotalFilesScanned)
}

func TestValidateRequestOverrides(t *testing.T) {
	store := newStore(t)
	seedDay(t, store)
	svc := newValidationService(t, store, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{})
	ctx := context.Background()
	dates := []time.Time{day("2024-01-10")}

	four := 4
	report, err := svc.Validate(ctx, ValidationRequest{Dates: dates, StuckIntervals: &four})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.StuckValuesCount)

	one := 1
	_, err = svc.Validate(ctx, ValidationRequest{Dates: dates, StuckIntervals: &one})
	require.ErrorIs(t, err, domain.ErrValidationConfig)
	_, err = svc.RunValidation(ctx, ValidationRequest{Dates: dates, StuckIntervals: &one})
	require.ErrorIs(t, err, domain.ErrValidationConfig)

	// the failed run did not replace the current report
	current, err := svc.GetValidationReport()
	require.NoError(t, err)
	assert.Equal(t, report.LastRun, current.LastRun)
}

func TestValidateRejectsInvalidRequest(t *testing.T) {
	svc := newValidationService(t, newStore(t), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{})
	ctx := context.Background()

	start := day("2024-01-05")
	_, err := svc.Validate(ctx, ValidationRequest{Dates: []time.Time{day("2024-01-10")}, Start: &start})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	end := day("2024-01-01")
	_, err = svc.Validate(ctx, ValidationRequest{Start: &start, End: &end})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.RunValidation(ctx, ValidationRequest{Types: []domain.DataType{"nope"}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRulesFileOverlay(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`ranges:
  met_WindSpeedRot_mean: [0, 12]
stuck_intervals: 5
`), 0o644))

	store := newStore(t)
	seedDay(t, store)
	svc := newValidationService(t, store, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{
		Config: config.ValidationConfig{StuckIntervals: 3, RulesFile: rules},
	})

	got, err := svc.GetValidationRules()
	require.NoError(t, err)
	assert.Equal(t, domain.Range{0, 12}, got.Ranges["met_WindSpeedRot_mean"])
	assert.Equal(t, domain.Range{800, 1100}, got.Ranges["met_Pressure_mean"])
	assert.Equal(t, 5, got.Defaults.StuckIntervals)

	report, err := svc.Validate(context.Background(), ValidationRequest{Dates: []time.Time{day("2024-01-10")}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.StuckValuesCount)
	assert.Positive(t, report.Summary.OutOfRangeCount)

	require.NoError(t, os.WriteFile(rules, []byte("ranges:\n  met_Pressure_mean: [5, 1]\n"), 0o644))
	_, err = svc.GetValidationRules()
	require.ErrorIs(t, err, domain.ErrValidationConfig)
}

func TestRunValidationOneAtATime(t *testing.T) {
	store := newStore(t)
	seedDay(t, store)
	mirror := &gatedMirror{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	notifier := &memNotifier{}
	svc := newValidationService(t, store, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{
		Mirror:   mirror,
		Notifier: notifier,
	})
	ctx := context.Background()
	req := ValidationRequest{Dates: []time.Time{day("2024-01-10")}}

	h, err := svc.RunValidation(ctx, req)
	require.NoError(t, err)
	<-mirror.entered
	assert.True(t, svc.Running())

	_, err = svc.RunValidation(ctx, req)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	close(mirror.gate)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	report, err := h.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.TotalIssues)
	assert.Equal(t, []string{ReportFileName}, mirror.keys)
	assert.Equal(t, 0, notifier.count())
	assert.False(t, svc.Running())

	current, err := svc.GetValidationReport()
	require.NoError(t, err)
	assert.Same(t, report, current)
}

func TestGetValidationReportBeforeFirstRun(t *testing.T) {
	svc := newValidationService(t, newStore(t), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValidationOptions{})
	report, err := svc.GetValidationReport()
	require.NoError(t, err)
	assert.True(t, report.LastRun.IsZero())
	assert.Empty(t, report.Details)
}
