package domain

import (
	"fmt"
	"strings"
	"time"
)

// DataType identifies one of the fixed remote tables mirrored into the archive.
type DataType string

const (
	DataTypeMet   DataType = "met"
	DataTypeTur   DataType = "tur"
	DataTypeGrd   DataType = "grd"
	DataTypeCnt   DataType = "cnt"
	DataTypeDin   DataType = "din"
	DataTypeAlarm DataType = "sum"
)

// DefaultInterval is the native sampling interval of the SCADA time-series tables.
const DefaultInterval = 10 * time.Minute

// Table describes how a DataType maps onto the remote source and the archive.
type Table struct {
	Type          DataType
	Remote        string
	KeyColumn     string // empty for station+timestamp keyed tables
	TimeColumn    string
	StationColumn string
	Columns       []string // value columns, archive order
	Interval      time.Duration
}

var tables = map[DataType]Table{
	DataTypeMet: {
		Type:          DataTypeMet,
		Remote:        "tblSCMet",
		TimeColumn:    "TimeStamp",
		StationColumn: "StationId",
		Columns: []string{
			"met_WindSpeedRot_mean",
			"met_WinddirectionRot_mean",
			"met_Pressure_mean",
			"met_TemperatureTen_mean",
		},
		Interval: DefaultInterval,
	},
	DataTypeTur: {
		Type:          DataTypeTur,
		Remote:        "tblSCTurbine",
		TimeColumn:    "TimeStamp",
		StationColumn: "StationId",
		Columns: []string{
			"wtc_AcWindSp_mean",
			"wtc_AcWindSp_stddev",
			"wtc_ActualWindDirection_mean",
			"wtc_ActualWindDirection_stddev",
		},
		Interval: DefaultInterval,
	},
	DataTypeGrd: {
		Type:          DataTypeGrd,
		Remote:        "tblSCTurGrid",
		TimeColumn:    "TimeStamp",
		StationColumn: "StationId",
		Columns: []string{
			"wtc_ActPower_min",
			"wtc_ActPower_max",
			"wtc_ActPower_mean",
		},
		Interval: DefaultInterval,
	},
	DataTypeCnt: {
		Type:          DataTypeCnt,
		Remote:        "tblSCTurCount",
		TimeColumn:    "TimeStamp",
		StationColumn: "StationId",
		Columns: []string{
			"wtc_kWG1Tot_accum",
			"wtc_kWG1TotE_accum",
			"wtc_kWG1TotI_accum",
			"wtc_BoostKWh_endvalue",
			"wtc_BostkWhS_endvalue",
		},
		Interval: DefaultInterval,
	},
	DataTypeDin: {
		Type:          DataTypeDin,
		Remote:        "tblSCTurDigiIn",
		TimeColumn:    "TimeStamp",
		StationColumn: "StationId",
		Columns:       []string{"wtc_PowerRed_timeon"},
		Interval:      DefaultInterval,
	},
	DataTypeAlarm: {
		Type:          DataTypeAlarm,
		Remote:        "tblAlarmLog",
		KeyColumn:     "ID",
		TimeColumn:    "TimeOn",
		StationColumn: "StationNr",
		Columns:       []string{"TimeOn", "TimeOff", "StationNr", "Alarmcode", "Parameter"},
	},
}

// AllDataTypes returns every data type in processing order.
func AllDataTypes() []DataType {
	return []DataType{DataTypeMet, DataTypeTur, DataTypeGrd, DataTypeCnt, DataTypeDin, DataTypeAlarm}
}

// ParseDataType validates a user supplied type name.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tables[dt]; !ok {
		return "", fmt.Errorf("%w: unknown data type %q", ErrInvalidArgument, s)
	}
	return dt, nil
}

// TableFor returns the table descriptor of dt.
func TableFor(dt DataType) (Table, bool) {
	t, ok := tables[dt]
	return t, ok
}

// MustTable is TableFor for data types already validated by ParseDataType.
func MustTable(dt DataType) Table {
	t, ok := tables[dt]
	if !ok {
		panic(fmt.Sprintf("domain: unknown data type %q", dt))
	}
	return t
}

// IsAlarm reports whether the table is the alarm log.
func (t Table) IsAlarm() bool {
	return t.Type == DataTypeAlarm
}

// Dir is the partition directory name inside the archive root.
func (t Table) Dir() string {
	return strings.ToUpper(string(t.Type))
}

// SelectColumns lists exactly the remote columns fetched for this table.
func (t Table) SelectColumns() []string {
	if t.IsAlarm() {
		return append([]string{t.KeyColumn}, t.Columns...)
	}
	return append([]string{t.TimeColumn, t.StationColumn}, t.Columns...)
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ColumnKind is the value type of a remote column.
type ColumnKind int

const (
	KindNumber ColumnKind = iota
	KindTime
	KindText
)

// Kind returns the value type of col.
func (t Table) Kind(col string) ColumnKind {
	switch col {
	case t.TimeColumn, "TimeOff":
		return KindTime
	case "Parameter":
		return KindText
	}
	return KindNumber
}

// Sensors returns the columns inspected by the integrity detectors.
func (t Table) Sensors() []string {
	if t.IsAlarm() {
		return nil
	}
	return t.Columns
}

// WithInterval returns a copy of the table using a different sampling interval.
func (t Table) WithInterval(d time.Duration) Table {
	if d > 0 {
		t.Interval = d
	}
	return t
}
