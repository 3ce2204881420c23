package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/scadarchive/internal/domain"
)

var timeLayouts = []string{
	domain.TimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		return parseTime(x)
	case []byte:
		return parseTime(string(x))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
	}
	return 0, fmt.Errorf("unsupported integer type %T", v)
}

// toCell converts a driver value into its canonical cell form.
func toCell(kind domain.ColumnKind, v any) (domain.Cell, error) {
	if v == nil {
		return domain.NullCell(), nil
	}
	switch kind {
	case domain.KindTime:
		t, err := toTime(v)
		if err != nil {
			return domain.Cell{}, err
		}
		return domain.TimeCell(t), nil
	case domain.KindText:
		switch x := v.(type) {
		case string:
			return domain.StringCell(x), nil
		case []byte:
			return domain.StringCell(string(x)), nil
		}
		return domain.StringCell(fmt.Sprint(v)), nil
	}

	switch x := v.(type) {
	case int64:
		return domain.IntCell(x), nil
	case int32:
		return domain.IntCell(int64(x)), nil
	case int:
		return domain.IntCell(int64(x)), nil
	case float64:
		return domain.FloatCell(x), nil
	case float32:
		return domain.FloatCell(float64(x)), nil
	case bool:
		if x {
			return domain.IntCell(1), nil
		}
		return domain.IntCell(0), nil
	case []byte:
		return numericText(string(x)), nil
	case string:
		return numericText(x), nil
	}
	return domain.StringCell(fmt.Sprint(v)), nil
}

// numericText canonicalizes numbers delivered as text (NUMERIC/DECIMAL columns).
func numericText(s string) domain.Cell {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.NullCell()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return domain.FloatCell(f)
	}
	return domain.StringCell(s)
}
