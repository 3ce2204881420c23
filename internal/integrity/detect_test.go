package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/domain"
)

var (
	met      = domain.MustTable(domain.DataTypeMet)
	dayStart = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
)

func defaultConfig() Config {
	return Config{
		StuckIntervals:   3,
		Ranges:           DefaultRanges(),
		MaxMissingListed: DefaultMaxMissingListed,
	}
}

// row builds a met record; nil leaves a cell null.
func row(station int64, ts time.Time, vals ...any) domain.Record {
	cells := make([]domain.Cell, len(met.Columns))
	for i := range cells {
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		cells[i] = domain.FloatCell(vals[i].(float64))
	}
	return domain.Record{Key: domain.SeriesKey(station, ts), StationID: station, Timestamp: ts, Values: cells}
}

func full(station int64, ts time.Time, speed float64) domain.Record {
	return row(station, ts, speed, 180.0, 1000.0, 10.0)
}

// slot returns the i-th 10 minute timestamp of the test day.
func slot(i int) time.Time {
	return dayStart.Add(time.Duration(i) * 10 * time.Minute)
}

func ofType(issues []domain.ValidationIssue, typ domain.IssueType) []domain.ValidationIssue {
	var out []domain.ValidationIssue
	for _, is := range issues {
		if is.Type == typ {
			out = append(out, is)
		}
	}
	return out
}

func TestStuckValueThreshold(t *testing.T) {
	tests := []struct {
		name        string
		speeds      []float64
		excludeZero bool
		wantCount   []int
	}{
		{"exactly threshold", []float64{1, 5, 5, 5, 2}, false, []int{3}},
		{"one below threshold", []float64{1, 5, 5, 2, 3}, false, nil},
		{"long run reported once", []float64{5, 5, 5, 5, 5}, false, []int{5}},
		{"zeros flagged", []float64{0, 0, 0, 1, 2}, false, []int{3}},
		{"zeros excluded", []float64{0, 0, 0, 1, 2}, true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var recs []domain.Record
			for i, v := range tc.speeds {
				// other sensors vary so only the speed column can be stuck
				recs = append(recs, row(1, slot(i), v, float64(i), 900.0+float64(i), float64(i)))
			}
			cfg := defaultConfig()
			cfg.ExcludeZero = tc.excludeZero
			issues := ofType(Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(len(recs))}, cfg), domain.IssueStuckValue)

			var counts []int
			for _, is := range issues {
				counts = append(counts, is.Count)
				assert.Equal(t, "met_WindSpeedRot_mean", is.Column)
			}
			assert.Equal(t, tc.wantCount, counts)
		})
	}
}

func TestStuckValueReportsRange(t *testing.T) {
	recs := []domain.Record{
		row(1, slot(0), 1.0),
		row(1, slot(1), 5.0),
		row(1, slot(2), 5.0),
		row(1, slot(3), 5.0),
		row(1, slot(4), nil),
		row(1, slot(5), 5.0),
	}
	issues := ofType(Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(6)}, defaultConfig()), domain.IssueStuckValue)
	require.Len(t, issues, 1, "a null reading ends the run")
	is := issues[0]
	assert.Equal(t, 3, is.Count)
	assert.Equal(t, "2024-01-10 00:10:00", is.RangeStart)
	assert.Equal(t, "2024-01-10 00:30:00", is.RangeEnd)
	require.NotNil(t, is.SampleValue)
	assert.Equal(t, 5.0, *is.SampleValue)
	require.NotNil(t, is.StationID)
	assert.Equal(t, int64(1), *is.StationID)
}

func TestCompletenessMath(t *testing.T) {
	table := met.WithInterval(5 * time.Minute)
	end := dayStart.Add(24 * time.Hour)
	grid := Grid(dayStart, end, 5*time.Minute)
	require.Len(t, grid, 288)

	skip := map[int]bool{}
	for _, i := range []int{3, 4, 5, 50, 51, 100, 150, 200, 201, 250, 286, 287} {
		skip[i] = true
	}
	var recs []domain.Record
	var want []string
	for i, ts := range grid {
		if skip[i] {
			want = append(want, ts.Format(domain.TimeLayout))
			continue
		}
		recs = append(recs, full(1, ts, float64(i%7)))
	}

	issues := ofType(Detect(Input{Table: table, Records: recs, Start: dayStart, End: end}, defaultConfig()), domain.IssueCompleteness)
	require.Len(t, issues, 1)
	is := issues[0]
	assert.Equal(t, 12, is.Count)
	require.NotNil(t, is.TotalExpected)
	assert.Equal(t, 288, *is.TotalExpected)
	require.NotNil(t, is.CompletenessPct)
	assert.Equal(t, 95.83, *is.CompletenessPct)
	assert.Equal(t, want, is.MissingTimestamps)
}

func TestMissingTimestampsCapped(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxMissingListed = 2
	recs := []domain.Record{full(1, slot(0), 1)}
	issues := ofType(Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(6)}, cfg), domain.IssueCompleteness)
	require.Len(t, issues, 1)
	assert.Equal(t, 5, issues[0].Count)
	assert.Len(t, issues[0].MissingTimestamps, 2)
}

func TestSiteWideVersusSensorOutage(t *testing.T) {
	var recs []domain.Record
	for i := 0; i < 6; i++ {
		for _, st := range []int64{1, 2} {
			switch i {
			case 2:
				// site-wide blackout
			case 4:
				recs = append(recs, row(st, slot(i), nil, 180.0+float64(st), 1000.0, 10.0+float64(i)))
			default:
				recs = append(recs, row(st, slot(i), float64(i+int(st)), 180.0+float64(i), 1000.0+float64(i), 10.0+float64(i)))
			}
		}
	}
	issues := Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(6)}, defaultConfig())
	system := ofType(issues, domain.IssueSystemCompleteness)
	require.Len(t, system, 2)

	assert.Equal(t, domain.GlobalConnectivity, system[0].Sensor)
	assert.Equal(t, 1, system[0].Count)
	assert.Equal(t, "2024-01-10 00:20:00", system[0].RangeStart)
	assert.Equal(t, []string{"2024-01-10 00:20:00"}, system[0].MissingTimestamps)

	assert.Equal(t, "met_WindSpeedRot_mean", system[1].Sensor)
	assert.Equal(t, 1, system[1].Count)
	assert.Equal(t, "2024-01-10 00:40:00", system[1].RangeStart)

	// the sensor outage is not repeated per station
	assert.Empty(t, ofType(issues, domain.IssueSensorGap))
	// every station misses the blackout slot
	assert.Len(t, ofType(issues, domain.IssueCompleteness), 2)
}

func TestEmptyRowAndSensorGap(t *testing.T) {
	recs := []domain.Record{
		full(1, slot(0), 1),
		row(1, slot(1)),
		row(1, slot(2)),
		row(1, slot(3), 4.0, 180.0, nil, 10.0),
		full(1, slot(4), 2),
		full(2, slot(0), 3),
		full(2, slot(1), 4),
		full(2, slot(2), 5),
		full(2, slot(3), 6),
		full(2, slot(4), 7),
	}
	issues := Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(5)}, defaultConfig())

	empty := ofType(issues, domain.IssueEmptyRow)
	require.Len(t, empty, 1)
	assert.Equal(t, 2, empty[0].Count)
	assert.Equal(t, "2024-01-10 00:10:00", empty[0].RangeStart)
	assert.Equal(t, "2024-01-10 00:20:00", empty[0].RangeEnd)

	gaps := ofType(issues, domain.IssueSensorGap)
	require.Len(t, gaps, 1)
	assert.Equal(t, "met_Pressure_mean", gaps[0].Sensor)
	assert.Equal(t, int64(1), *gaps[0].StationID)
	assert.Equal(t, 1, gaps[0].Count)

	// an empty row is present, so it is not a completeness gap
	assert.Empty(t, ofType(issues, domain.IssueCompleteness))
}

func TestOutOfRangeRuns(t *testing.T) {
	recs := []domain.Record{
		full(1, slot(0), 10),
		full(1, slot(1), 60),
		full(1, slot(2), 70),
		full(1, slot(3), 10),
		full(1, slot(4), -1),
	}
	issues := ofType(Detect(Input{Table: met, Records: recs, Start: slot(0), End: slot(5)}, defaultConfig()), domain.IssueOutOfRange)
	require.Len(t, issues, 2)
	assert.Equal(t, 2, issues[0].Count)
	assert.Equal(t, 60.0, *issues[0].SampleValue)
	assert.Equal(t, domain.Range{0, 50}, *issues[0].Bounds)
	assert.Equal(t, 1, issues[1].Count)
}

func TestAlarmTableHasNoDetectors(t *testing.T) {
	issues := Detect(Input{Table: domain.MustTable(domain.DataTypeAlarm), Start: slot(0), End: slot(6)}, defaultConfig())
	assert.Empty(t, issues)
}

func TestDefaultRangesNameArchivedColumns(t *testing.T) {
	known := make(map[string]bool)
	for _, dt := range domain.AllDataTypes() {
		for _, c := range domain.MustTable(dt).Columns {
			known[c] = true
		}
	}
	for col := range DefaultRanges() {
		assert.True(t, known[col], "range for unknown column %s", col)
	}
	assert.Contains(t, met.Columns, "met_TemperatureTen_mean")
	assert.Equal(t, domain.Range{-50, 60}, DefaultRanges()["met_TemperatureTen_mean"])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"stuck too small", func(c *Config) { c.StuckIntervals = 1 }, true},
		{"negative cap", func(c *Config) { c.MaxMissingListed = -1 }, true},
		{"inverted range", func(c *Config) { c.Ranges = map[string]domain.Range{"x": {5, 1}} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, domain.ErrValidationConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCompletenessPctRounding(t *testing.T) {
	assert.Equal(t, 66.67, completenessPct(2, 3))
	assert.Equal(t, 33.33, completenessPct(1, 3))
	assert.Equal(t, 0.13, completenessPct(1, 800))
	assert.Equal(t, 100.0, completenessPct(0, 0))
}
