package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExtractorConfig holds the alarm log filters.
type ExtractorConfig struct {
	// ExcludedAlarmCodes are never extracted.
	ExcludedAlarmCodes []int64
	// OpenAlarmCodes are extracted while still active (no TimeOff) if they
	// started before the end of the period.
	OpenAlarmCodes []int64
}

// Extractor reads one (data type, period) from the remote source using
// exactly the configured columns.
type Extractor struct {
	gw     *Gateway
	cfg    ExtractorConfig
	logger *logger.Logger
}

var _ Source = (*Extractor)(nil)

// NewExtractor creates an extractor over gw.
func NewExtractor(gw *Gateway, cfg ExtractorConfig, log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Extractor{gw: gw, cfg: cfg, logger: log.Component("extractor")}
}

// Extract implements Source.
func (e *Extractor) Extract(ctx context.Context, dt domain.DataType, p domain.Period, stations []int64) (*Extraction, error) {
	t, ok := domain.TableFor(dt)
	if !ok {
		return nil, fmt.Errorf("%w: unknown data type %q", domain.ErrInvalidArgument, dt)
	}
	log := e.logger.WithFields(logger.Fields{
		logger.FieldDataType: string(dt),
		logger.FieldPeriod:   p.String(),
	})

	conn, err := e.gw.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.gw.Release(conn)

	start := time.Now()
	rs, err := e.gw.Execute(ctx, conn, func(tx *gorm.DB) *gorm.DB {
		return e.buildQuery(tx, t, p, stations)
	})
	if err != nil {
		if isSchemaError(err) {
			return nil, &domain.SchemaMismatchError{Table: t.Remote, Cause: err}
		}
		return nil, err
	}

	ex, err := e.toExtraction(t, p, rs)
	if err != nil {
		return nil, err
	}
	if ex.Dropped > 0 {
		log.WithField("dropped", ex.Dropped).Warn("Discarded remote rows outside the period or with duplicate keys")
	}
	log.WithFields(logger.Fields{
		"rows":        len(ex.Records),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Extraction finished")
	return ex, nil
}

func (e *Extractor) buildQuery(tx *gorm.DB, t domain.Table, p domain.Period, stations []int64) *gorm.DB {
	cols := make([]clause.Column, 0, len(t.SelectColumns()))
	for _, c := range t.SelectColumns() {
		cols = append(cols, clause.Column{Name: c})
	}

	arg := timeArg(tx)
	start, end := arg(p.Start()), arg(p.End())

	var exprs []clause.Expression
	if t.IsAlarm() {
		exprs = append(exprs, e.alarmWindow(start, end))
		if len(e.cfg.ExcludedAlarmCodes) > 0 {
			exprs = append(exprs, clause.Not(clause.IN{
				Column: clause.Column{Name: "Alarmcode"},
				Values: int64Values(e.cfg.ExcludedAlarmCodes),
			}))
		}
	} else {
		ts := clause.Column{Name: t.TimeColumn}
		exprs = append(exprs,
			clause.Gte{Column: ts, Value: start},
			clause.Lt{Column: ts, Value: end},
		)
	}
	if len(stations) > 0 {
		exprs = append(exprs, clause.IN{
			Column: clause.Column{Name: t.StationColumn},
			Values: int64Values(stations),
		})
	}

	order := clause.OrderBy{}
	if t.IsAlarm() {
		order.Columns = []clause.OrderByColumn{{Column: clause.Column{Name: t.KeyColumn}}}
	} else {
		order.Columns = []clause.OrderByColumn{
			{Column: clause.Column{Name: t.StationColumn}},
			{Column: clause.Column{Name: t.TimeColumn}},
		}
	}

	return tx.Table(t.Remote).
		Clauses(clause.Select{Columns: cols}).
		Clauses(clause.Where{Exprs: exprs}).
		Clauses(order)
}

// alarmWindow selects alarms that ended, started or were active across the
// period, plus still-open alarms of the configured codes.
func (e *Extractor) alarmWindow(start, end any) clause.Expression {
	on := clause.Column{Name: "TimeOn"}
	off := clause.Column{Name: "TimeOff"}

	branches := []clause.Expression{
		clause.And(clause.Gte{Column: off, Value: start}, clause.Lt{Column: off, Value: end}),
		clause.And(clause.Gte{Column: on, Value: start}, clause.Lt{Column: on, Value: end}),
		clause.And(clause.Lt{Column: on, Value: start}, clause.Gte{Column: off, Value: end}),
	}
	if len(e.cfg.OpenAlarmCodes) > 0 {
		branches = append(branches, clause.And(
			clause.Eq{Column: off, Value: nil},
			clause.IN{Column: clause.Column{Name: "Alarmcode"}, Values: int64Values(e.cfg.OpenAlarmCodes)},
			clause.Lt{Column: on, Value: end},
		))
	}
	return clause.Or(branches...)
}

// timeArg formats bounds as canonical text for sqlite, which compares
// timestamps as strings.
func timeArg(tx *gorm.DB) func(time.Time) any {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return func(t time.Time) any { return t.UTC().Format(domain.TimeLayout) }
	}
	return func(t time.Time) any { return t.UTC() }
}

func int64Values(in []int64) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func (e *Extractor) toExtraction(t domain.Table, p domain.Period, rs *RowSet) (*Extraction, error) {
	idx := make(map[string]int, len(rs.Columns))
	for i, c := range rs.Columns {
		idx[strings.ToLower(c)] = i
	}
	var missing []string
	for _, c := range t.SelectColumns() {
		if _, ok := idx[strings.ToLower(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.SchemaMismatchError{Table: t.Remote, Missing: missing}
	}
	col := func(name string) int { return idx[strings.ToLower(name)] }

	ex := &Extraction{Table: t, Period: p}
	seen := make(map[string]int, len(rs.Rows))
	for _, row := range rs.Rows {
		r, err := toRecord(t, row, col)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Remote, err)
		}
		if !t.IsAlarm() && !p.Contains(r.Timestamp) {
			ex.Dropped++
			continue
		}
		if i, dup := seen[r.Key]; dup {
			ex.Records[i] = r
			ex.Dropped++
			continue
		}
		seen[r.Key] = len(ex.Records)
		ex.Records = append(ex.Records, r)
	}
	return ex, nil
}

func toRecord(t domain.Table, row []any, col func(string) int) (domain.Record, error) {
	var r domain.Record

	tsRaw := row[col(t.TimeColumn)]
	if tsRaw == nil {
		return r, fmt.Errorf("null %s", t.TimeColumn)
	}
	ts, err := toTime(tsRaw)
	if err != nil {
		return r, err
	}
	station, err := toInt64(row[col(t.StationColumn)])
	if err != nil {
		return r, fmt.Errorf("%s: %w", t.StationColumn, err)
	}
	r.Timestamp = ts
	r.StationID = station

	if t.IsAlarm() {
		id, err := toInt64(row[col(t.KeyColumn)])
		if err != nil {
			return r, fmt.Errorf("%s: %w", t.KeyColumn, err)
		}
		r.Key = strconv.FormatInt(id, 10)
	} else {
		r.Key = domain.SeriesKey(station, ts)
	}

	r.Values = make([]domain.Cell, len(t.Columns))
	for i, c := range t.Columns {
		cell, err := toCell(t.Kind(c), row[col(c)])
		if err != nil {
			return r, fmt.Errorf("%s: %w", c, err)
		}
		r.Values[i] = cell
	}
	return r, nil
}
