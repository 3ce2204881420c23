package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the canonical timestamp encoding used in keys and cells.
const TimeLayout = "2006-01-02 15:04:05"

// Cell is a nullable value held in canonical string form so that equality
// between a remote extraction and an archived row is a plain comparison.
type Cell struct {
	Value string
	Valid bool
}

// NullCell returns an empty cell.
func NullCell() Cell { return Cell{} }

// StringCell wraps s.
func StringCell(s string) Cell { return Cell{Value: s, Valid: true} }

// FloatCell stores f using the shortest exact decimal form.
func FloatCell(f float64) Cell {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return NullCell()
	}
	if f == 0 {
		f = 0 // normalize -0
	}
	return Cell{Value: strconv.FormatFloat(f, 'f', -1, 64), Valid: true}
}

// IntCell stores i in base 10.
func IntCell(i int64) Cell {
	return Cell{Value: strconv.FormatInt(i, 10), Valid: true}
}

// TimeCell stores t in UTC using TimeLayout.
func TimeCell(t time.Time) Cell {
	return Cell{Value: t.UTC().Format(TimeLayout), Valid: true}
}

// Float parses the cell as a number.
func (c Cell) Float() (float64, bool) {
	if !c.Valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Time parses the cell as a canonical timestamp.
func (c Cell) Time() (time.Time, bool) {
	if !c.Valid {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimeLayout, c.Value, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c Cell) String() string {
	if !c.Valid {
		return "NULL"
	}
	return c.Value
}

// Record is one archived row. Values are aligned with Table.Columns.
type Record struct {
	Key       string
	StationID int64
	Timestamp time.Time
	Values    []Cell
	Deleted   bool
}

// SeriesKey builds the composite key of a time-series row.
func SeriesKey(station int64, ts time.Time) string {
	return fmt.Sprintf("%d|%s", station, ts.UTC().Format(TimeLayout))
}

// SameValues reports whether both records carry identical cells.
func (r Record) SameValues(o Record) bool {
	if r.StationID != o.StationID || !r.Timestamp.Equal(o.Timestamp) || len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if r.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Values = append([]Cell(nil), r.Values...)
	return out
}

// Fingerprint is the canonical text used for checksums. The deleted flag is
// not part of it.
func (r Record) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Key)
	for _, v := range r.Values {
		b.WriteByte('\x1f')
		if v.Valid {
			b.WriteString(v.Value)
		} else {
			b.WriteString("\x00")
		}
	}
	return b.String()
}

// AllNull reports whether every value at idx is null.
func (r Record) AllNull(idx []int) bool {
	for _, i := range idx {
		if i < len(r.Values) && r.Values[i].Valid {
			return false
		}
	}
	return true
}
