package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/notify"
	"github.com/timmy/scadarchive/internal/source"
)

var (
	jan = domain.Period{Year: 2024, Month: time.January}
	feb = domain.Period{Year: 2024, Month: time.February}
)

// fakeSource serves canned extractions. When gate is set, each Extract
// reports on entered and then waits for gate.
type fakeSource struct {
	mu      sync.Mutex
	records map[domain.DataType]map[domain.Period][]domain.Record
	errs    map[domain.DataType]error
	pErrs   map[domain.Period]error
	calls   int

	gate    chan struct{}
	entered chan domain.DataType
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(map[domain.DataType]map[domain.Period][]domain.Record),
		errs:    make(map[domain.DataType]error),
		pErrs:   make(map[domain.Period]error),
	}
}

func (f *fakeSource) set(dt domain.DataType, p domain.Period, recs ...domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[dt] == nil {
		f.records[dt] = make(map[domain.Period][]domain.Record)
	}
	f.records[dt][p] = recs
}

func (f *fakeSource) fail(dt domain.DataType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[dt] = err
}

// failPeriod makes every data type fail for p.
func (f *fakeSource) failPeriod(p domain.Period, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pErrs[p] = err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) Extract(ctx context.Context, dt domain.DataType, p domain.Period, _ []int64) (*source.Extraction, error) {
	f.mu.Lock()
	f.calls++
	gate, entered := f.gate, f.entered
	err := f.errs[dt]
	if err == nil {
		err = f.pErrs[p]
	}
	var recs []domain.Record
	for _, r := range f.records[dt][p] {
		recs = append(recs, r.Clone())
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- dt
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &source.Extraction{Table: domain.MustTable(dt), Period: p, Records: recs}, nil
}

func series(dt domain.DataType, station int64, ts time.Time, vals ...float64) domain.Record {
	t := domain.MustTable(dt)
	cells := make([]domain.Cell, len(t.Columns))
	for i := range cells {
		if i < len(vals) {
			cells[i] = domain.FloatCell(vals[i])
		} else {
			cells[i] = domain.NullCell()
		}
	}
	return domain.Record{
		Key:       domain.SeriesKey(station, ts),
		StationID: station,
		Timestamp: ts,
		Values:    cells,
	}
}

func alarm(id, station int64, on time.Time, code int64) domain.Record {
	return domain.Record{
		Key:       strconv.FormatInt(id, 10),
		StationID: station,
		Timestamp: on,
		Values: []domain.Cell{
			domain.TimeCell(on),
			domain.NullCell(),
			domain.IntCell(station),
			domain.IntCell(code),
			domain.StringCell(fmt.Sprintf("alarm %d", id)),
		},
	}
}

func at(day, hour, minute int, month time.Month) time.Time {
	return time.Date(2024, month, day, hour, minute, 0, 0, time.UTC)
}

func newStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.New(archive.Options{
		Root:  t.TempDir(),
		Clock: clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return s
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]domain.RunRecord
}

func (m *memRuns) Create(_ context.Context, r *domain.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]domain.RunRecord)
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *memRuns) Update(ctx context.Context, r *domain.RunRecord) error {
	return m.Create(ctx, r)
}

func (m *memRuns) get(id string) (domain.RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

type memNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *memNotifier) Notify(_ context.Context, ev notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
