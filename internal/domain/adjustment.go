package domain

import "time"

// AlarmAdjustment is a manual override of an alarm's on/off times, keyed by
// the remote alarm id. It is applied as a read-only overlay and never feeds
// back into reconciliation.
type AlarmAdjustment struct {
	AlarmID     int64      `gorm:"primaryKey;autoIncrement:false" json:"alarm_id"`
	AlarmCode   int64      `gorm:"not null" json:"alarm_code"`
	StationNr   int64      `gorm:"not null;index" json:"station_nr"`
	TimeOn      *time.Time `json:"time_on,omitempty"`
	TimeOff     *time.Time `json:"time_off,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	LastUpdated time.Time  `gorm:"autoUpdateTime" json:"last_updated"`
}

// TableName returns the database table name for AlarmAdjustment.
func (AlarmAdjustment) TableName() string {
	return "alarm_adjustments"
}
