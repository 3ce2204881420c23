package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/domain"
)

// AdjustmentStore looks up manual alarm overrides.
type AdjustmentStore interface {
	ByAlarmIDs(ctx context.Context, ids []int64) (map[int64]domain.AlarmAdjustment, error)
}

// Alarm is an archived alarm with any manual override applied.
type Alarm struct {
	ID          int64      `json:"id"`
	StationNr   int64      `json:"station_nr"`
	AlarmCode   int64      `json:"alarm_code"`
	TimeOn      *time.Time `json:"time_on,omitempty"`
	TimeOff     *time.Time `json:"time_off,omitempty"`
	Parameter   string     `json:"parameter,omitempty"`
	Deleted     bool       `json:"deleted"`
	Adjusted    bool       `json:"adjusted"`
	OriginalOn  *time.Time `json:"original_time_on,omitempty"`
	OriginalOff *time.Time `json:"original_time_off,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}

// AlarmService reads the alarm partition and overlays manual adjustments.
// The archive itself is never modified.
type AlarmService struct {
	store       *archive.Store
	adjustments AdjustmentStore
}

// NewAlarmService creates an AlarmService. adjustments may be nil.
func NewAlarmService(store *archive.Store, adjustments AdjustmentStore) *AlarmService {
	return &AlarmService{store: store, adjustments: adjustments}
}

// List returns the alarms of period, optionally restricted to stations.
func (s *AlarmService) List(ctx context.Context, p domain.Period, stations []int64) ([]Alarm, error) {
	snap, err := s.store.Read(ctx, domain.DataTypeAlarm, p, archive.Filter{Stations: stations})
	if err != nil {
		return nil, err
	}

	out := make([]Alarm, 0, len(snap.Records))
	ids := make([]int64, 0, len(snap.Records))
	for _, r := range snap.Records {
		a, err := alarmFromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		ids = append(ids, a.ID)
	}
	if s.adjustments == nil || len(ids) == 0 {
		return out, nil
	}

	adjs, err := s.adjustments.ByAlarmIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load alarm adjustments: %w", err)
	}
	for i := range out {
		adj, ok := adjs[out[i].ID]
		if !ok {
			continue
		}
		a := &out[i]
		a.Adjusted = true
		a.Notes = adj.Notes
		if adj.TimeOn != nil {
			a.OriginalOn = a.TimeOn
			on := adj.TimeOn.UTC()
			a.TimeOn = &on
		}
		if adj.TimeOff != nil {
			a.OriginalOff = a.TimeOff
			off := adj.TimeOff.UTC()
			a.TimeOff = &off
		}
	}
	return out, nil
}

func alarmFromRecord(r domain.Record) (Alarm, error) {
	id, err := strconv.ParseInt(r.Key, 10, 64)
	if err != nil {
		return Alarm{}, fmt.Errorf("alarm key %q is not numeric", r.Key)
	}
	t := domain.MustTable(domain.DataTypeAlarm)
	cell := func(name string) domain.Cell {
		if i := t.ColumnIndex(name); i >= 0 && i < len(r.Values) {
			return r.Values[i]
		}
		return domain.NullCell()
	}

	a := Alarm{ID: id, StationNr: r.StationID, Deleted: r.Deleted}
	if v, ok := cell("TimeOn").Time(); ok {
		a.TimeOn = &v
	}
	if v, ok := cell("TimeOff").Time(); ok {
		a.TimeOff = &v
	}
	if v, ok := cell("Alarmcode").Float(); ok {
		a.AlarmCode = int64(v)
	}
	if c := cell("Parameter"); c.Valid {
		a.Parameter = c.Value
	}
	return a, nil
}
