package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StringList stores a string slice as JSON text in the state database.
type StringList []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringList) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringList) Scan(value interface{}) error {
	if value == nil {
		*a = StringList{}
		return nil
	}
	raw, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringList")
		}
		raw = []byte(str)
	}
	return json.Unmarshal(raw, a)
}

// RunRecord is the persisted history row of one orchestrator run.
type RunRecord struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	Mode        string     `gorm:"type:text;not null;index" json:"mode"`
	Dates       StringList `gorm:"type:text" json:"dates"`
	Types       StringList `gorm:"type:text" json:"types"`
	Status      RunState   `gorm:"type:text;default:starting" json:"status"`
	Message     string     `json:"message,omitempty"`
	Succeeded   int        `gorm:"default:0" json:"succeeded"`
	Failed      int        `gorm:"default:0" json:"failed"`
	FailedTypes StringList `gorm:"type:text" json:"failed_types,omitempty"`
	Aborted     bool       `gorm:"default:false" json:"aborted"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for RunRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (RunRecord) TableName() string {
	return "reconcile_runs"
}
