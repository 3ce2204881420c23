package domain

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the calendar day format accepted on request surfaces.
const DateLayout = "2006-01-02"

// Period is one calendar month partition.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t (UTC).
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses YYYY-MM.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: invalid period %q", ErrInvalidArgument, s)
	}
	return PeriodOf(t), nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start is the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the following period (exclusive).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Next returns the following period.
func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// Before orders periods chronologically.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.End())
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	v, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseDate parses a YYYY-MM-DD calendar day in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// ProcessingWindow expands a calendar day into its trailing window
// [day-lookback 00:00, day 23:50].
func ProcessingWindow(day time.Time, lookbackDays int) (time.Time, time.Time) {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	start := d.AddDate(0, 0, -lookbackDays)
	end := d.Add(23*time.Hour + 50*time.Minute)
	return start, end
}

// PeriodsBetween lists the periods touched by [start, end], oldest first.
func PeriodsBetween(start, end time.Time) []Period {
	if end.Before(start) {
		return nil
	}
	var out []Period
	for p, last := PeriodOf(start), PeriodOf(end); !last.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out
}

// PeriodsForDays expands each day into its processing window and returns
// the distinct periods touched, oldest first.
func PeriodsForDays(days []time.Time, lookbackDays int) []Period {
	seen := make(map[Period]struct{})
	var out []Period
	for _, day := range days {
		start, end := ProcessingWindow(day, lookbackDays)
		for _, p := range PeriodsBetween(start, end) {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
