package integrity

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/timmy/scadarchive/internal/domain"
)

// Input is one archive file restricted to the validation window.
type Input struct {
	Table   domain.Table
	Records []domain.Record
	// Start is the first expected timestamp; End is exclusive.
	Start time.Time
	End   time.Time
	// Stations expected in the file. Stations seen in Records are always added.
	Stations []int64
}

// stationRows holds one station's rows in time order plus a timestamp index.
type stationRows struct {
	rows  []domain.Record
	index map[int64]int
}

func (s *stationRows) at(t time.Time) (domain.Record, bool) {
	if s == nil {
		return domain.Record{}, false
	}
	i, ok := s.index[t.Unix()]
	if !ok {
		return domain.Record{}, false
	}
	return s.rows[i], true
}

// Detect runs every detector over in. Issues are ordered by detector, then
// station, sensor and time.
func Detect(in Input, cfg Config) []domain.ValidationIssue {
	sensors := in.Table.Sensors()
	if len(sensors) == 0 {
		return nil
	}
	interval := in.Table.Interval
	if interval <= 0 {
		interval = domain.DefaultInterval
	}
	grid := Grid(in.Start, in.End, interval)

	byStation := make(map[int64]*stationRows)
	for _, r := range in.Records {
		if r.Timestamp.Before(in.Start) || !r.Timestamp.Before(in.End) {
			continue
		}
		sr := byStation[r.StationID]
		if sr == nil {
			sr = &stationRows{index: make(map[int64]int)}
			byStation[r.StationID] = sr
		}
		sr.rows = append(sr.rows, r)
	}
	for _, sr := range byStation {
		sort.Slice(sr.rows, func(i, j int) bool { return sr.rows[i].Timestamp.Before(sr.rows[j].Timestamp) })
		for i, r := range sr.rows {
			sr.index[r.Timestamp.Unix()] = i
		}
	}
	stations := stationList(in.Stations, byStation)

	var issues []domain.ValidationIssue
	system, outages := systemCompleteness(grid, stations, byStation, sensors, cfg)
	issues = append(issues, system...)
	for _, st := range stations {
		issues = append(issues, completeness(st, grid, byStation[st], cfg)...)
	}
	for _, st := range stations {
		sr := byStation[st]
		if sr == nil {
			continue
		}
		issues = append(issues, emptyRows(st, sr.rows, sensors)...)
		issues = append(issues, sensorGaps(st, sr.rows, sensors, outages)...)
		issues = append(issues, stuckValues(st, sr.rows, sensors, cfg)...)
		issues = append(issues, outOfRange(st, sr.rows, sensors, cfg)...)
	}
	return issues
}

// Grid lists the expected timestamps in [start, end) at interval, aligned to
// interval boundaries.
func Grid(start, end time.Time, interval time.Duration) []time.Time {
	if interval <= 0 || !start.Before(end) {
		return nil
	}
	first := start.UTC().Truncate(interval)
	if first.Before(start) {
		first = first.Add(interval)
	}
	var out []time.Time
	for t := first; t.Before(end); t = t.Add(interval) {
		out = append(out, t)
	}
	return out
}

func stationList(expected []int64, byStation map[int64]*stationRows) []int64 {
	seen := make(map[int64]struct{}, len(expected)+len(byStation))
	var out []int64
	for _, st := range expected {
		if _, ok := seen[st]; !ok {
			seen[st] = struct{}{}
			out = append(out, st)
		}
	}
	for st := range byStation {
		if _, ok := seen[st]; !ok {
			seen[st] = struct{}{}
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// span is an inclusive index range.
type span struct{ first, last int }

func (s span) len() int { return s.last - s.first + 1 }

// spans groups consecutive indices in [0, n) for which match holds.
func spans(n int, match func(i int) bool) []span {
	var out []span
	open := -1
	for i := 0; i < n; i++ {
		if match(i) {
			if open < 0 {
				open = i
			}
			continue
		}
		if open >= 0 {
			out = append(out, span{open, i - 1})
			open = -1
		}
	}
	if open >= 0 {
		out = append(out, span{open, n - 1})
	}
	return out
}

// systemCompleteness finds timestamps missing for every station and
// timestamps where one sensor is null on every connected station. The
// second return value marks those sensor outages by sensor index and unix time.
func systemCompleteness(grid []time.Time, stations []int64, byStation map[int64]*stationRows, sensors []string, cfg Config) ([]domain.ValidationIssue, map[int]map[int64]bool) {
	outages := make(map[int]map[int64]bool)
	if len(stations) == 0 || len(grid) == 0 {
		return nil, outages
	}

	siteDown := make([]bool, len(grid))
	sensorDown := make([][]bool, len(sensors))
	for s := range sensorDown {
		sensorDown[s] = make([]bool, len(grid))
	}
	allIdx := make([]int, len(sensors))
	for i := range allIdx {
		allIdx[i] = i
	}

	siteMissing := 0
	for gi, t := range grid {
		var present []domain.Record
		for _, st := range stations {
			if r, ok := byStation[st].at(t); ok {
				present = append(present, r)
			}
		}
		if len(present) == 0 {
			siteDown[gi] = true
			siteMissing++
			continue
		}
		for s := range sensors {
			allNull, otherData := true, false
			for _, r := range present {
				if s < len(r.Values) && r.Values[s].Valid {
					allNull = false
					break
				}
				if !r.AllNull(allIdx) {
					otherData = true
				}
			}
			if allNull && otherData {
				sensorDown[s][gi] = true
			}
		}
	}

	var issues []domain.ValidationIssue
	total := len(grid)
	pct := completenessPct(total-siteMissing, total)
	for _, sp := range spans(len(grid), func(i int) bool { return siteDown[i] }) {
		missing := make([]string, 0, sp.len())
		for i := sp.first; i <= sp.last && len(missing) < cfg.MaxMissingListed; i++ {
			missing = append(missing, formatTime(grid[i]))
		}
		issues = append(issues, domain.ValidationIssue{
			Type:              domain.IssueSystemCompleteness,
			Sensor:            domain.GlobalConnectivity,
			Count:             sp.len(),
			RangeStart:        formatTime(grid[sp.first]),
			RangeEnd:          formatTime(grid[sp.last]),
			CompletenessPct:   ptrFloat(pct),
			TotalExpected:     ptrInt(total),
			MissingTimestamps: missing,
		})
	}
	for s, name := range sensors {
		for _, sp := range spans(len(grid), func(i int) bool { return sensorDown[s][i] }) {
			if outages[s] == nil {
				outages[s] = make(map[int64]bool)
			}
			for i := sp.first; i <= sp.last; i++ {
				outages[s][grid[i].Unix()] = true
			}
			issues = append(issues, domain.ValidationIssue{
				Type:       domain.IssueSystemCompleteness,
				Sensor:     name,
				Count:      sp.len(),
				RangeStart: formatTime(grid[sp.first]),
				RangeEnd:   formatTime(grid[sp.last]),
			})
		}
	}
	return issues, outages
}

// completeness reports the grid timestamps a station has no row for.
func completeness(station int64, grid []time.Time, sr *stationRows, cfg Config) []domain.ValidationIssue {
	var missing []time.Time
	for _, t := range grid {
		if _, ok := sr.at(t); !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	total := len(grid)
	listed := make([]string, 0, min(len(missing), cfg.MaxMissingListed))
	for _, t := range missing {
		if len(listed) >= cfg.MaxMissingListed {
			break
		}
		listed = append(listed, formatTime(t))
	}
	return []domain.ValidationIssue{{
		Type:              domain.IssueCompleteness,
		StationID:         ptrInt64(station),
		Count:             len(missing),
		RangeStart:        formatTime(missing[0]),
		RangeEnd:          formatTime(missing[len(missing)-1]),
		CompletenessPct:   ptrFloat(completenessPct(total-len(missing), total)),
		TotalExpected:     ptrInt(total),
		MissingTimestamps: listed,
	}}
}

// emptyRows reports runs of consecutive rows whose sensors are all null.
func emptyRows(station int64, rows []domain.Record, sensors []string) []domain.ValidationIssue {
	idx := make([]int, len(sensors))
	for i := range idx {
		idx[i] = i
	}
	var issues []domain.ValidationIssue
	for _, sp := range spans(len(rows), func(i int) bool { return rows[i].AllNull(idx) }) {
		issues = append(issues, domain.ValidationIssue{
			Type:       domain.IssueEmptyRow,
			StationID:  ptrInt64(station),
			Count:      sp.len(),
			RangeStart: formatTime(rows[sp.first].Timestamp),
			RangeEnd:   formatTime(rows[sp.last].Timestamp),
		})
	}
	return issues
}

// sensorGaps reports runs where one sensor is null while the row has other
// data. Timestamps already reported as a site-wide sensor outage are skipped.
func sensorGaps(station int64, rows []domain.Record, sensors []string, outages map[int]map[int64]bool) []domain.ValidationIssue {
	idx := make([]int, len(sensors))
	for i := range idx {
		idx[i] = i
	}
	var issues []domain.ValidationIssue
	for s, name := range sensors {
		gap := func(i int) bool {
			r := rows[i]
			if s < len(r.Values) && r.Values[s].Valid {
				return false
			}
			if r.AllNull(idx) {
				return false
			}
			return !outages[s][r.Timestamp.Unix()]
		}
		for _, sp := range spans(len(rows), gap) {
			issues = append(issues, domain.ValidationIssue{
				Type:       domain.IssueSensorGap,
				StationID:  ptrInt64(station),
				Sensor:     name,
				Count:      sp.len(),
				RangeStart: formatTime(rows[sp.first].Timestamp),
				RangeEnd:   formatTime(rows[sp.last].Timestamp),
			})
		}
	}
	return issues
}

// stuckValues reports maximal runs of equal consecutive readings at least
// StuckIntervals long. A null reading ends a run.
func stuckValues(station int64, rows []domain.Record, sensors []string, cfg Config) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	for s, name := range sensors {
		start := -1
		flush := func(end int) {
			if start < 0 {
				return
			}
			n := end - start + 1
			first := rows[start].Values[s]
			start = -1
			if n < cfg.StuckIntervals {
				return
			}
			v, ok := first.Float()
			if !ok || (cfg.ExcludeZero && v == 0) {
				return
			}
			issues = append(issues, domain.ValidationIssue{
				Type:        domain.IssueStuckValue,
				StationID:   ptrInt64(station),
				Column:      name,
				Count:       n,
				RangeStart:  formatTime(rows[end-n+1].Timestamp),
				RangeEnd:    formatTime(rows[end].Timestamp),
				SampleValue: ptrFloat(v),
			})
		}
		for i, r := range rows {
			if s >= len(r.Values) || !r.Values[s].Valid {
				flush(i - 1)
				continue
			}
			if start >= 0 && rows[start].Values[s].Value != r.Values[s].Value {
				flush(i - 1)
			}
			if start < 0 {
				start = i
			}
		}
		flush(len(rows) - 1)
	}
	return issues
}

// outOfRange reports runs of consecutive readings outside the sensor's range.
func outOfRange(station int64, rows []domain.Record, sensors []string, cfg Config) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	for s, name := range sensors {
		bounds, ok := cfg.Ranges[name]
		if !ok {
			continue
		}
		out := func(i int) bool {
			if s >= len(rows[i].Values) {
				return false
			}
			v, ok := rows[i].Values[s].Float()
			return ok && !bounds.Contains(v)
		}
		for _, sp := range spans(len(rows), out) {
			v, _ := rows[sp.first].Values[s].Float()
			b := bounds
			issues = append(issues, domain.ValidationIssue{
				Type:        domain.IssueOutOfRange,
				StationID:   ptrInt64(station),
				Column:      name,
				Count:       sp.len(),
				RangeStart:  formatTime(rows[sp.first].Timestamp),
				RangeEnd:    formatTime(rows[sp.last].Timestamp),
				SampleValue: ptrFloat(v),
				Bounds:      &b,
			})
		}
	}
	return issues
}

// completenessPct is present/total as a percentage rounded to two decimals,
// half away from zero.
func completenessPct(present, total int) float64 {
	if total <= 0 {
		return 100
	}
	pct := decimal.NewFromInt(int64(present)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
	f, _ := pct.Float64()
	return f
}

func formatTime(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func ptrInt64(v int64) *int64     { return &v }
func ptrInt(v int) *int           { return &v }
func ptrFloat(v float64) *float64 { return &v }
