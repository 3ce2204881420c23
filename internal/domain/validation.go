package domain

import "time"

// IssueType classifies a ValidationIssue.
type IssueType string

const (
	IssueStuckValue         IssueType = "stuck_value"
	IssueOutOfRange         IssueType = "out_of_range"
	IssueCompleteness       IssueType = "completeness"
	IssueSystemCompleteness IssueType = "system_completeness"
	IssueEmptyRow           IssueType = "empty_row"
	IssueSensorGap          IssueType = "sensor_gap"
)

// GlobalConnectivity is the sensor name of a site-wide outage.
const GlobalConnectivity = "Global Connectivity"

// Range is an inclusive [min, max] bound. It encodes as a two element array.
type Range [2]float64

func (r Range) Min() float64 { return r[0] }
func (r Range) Max() float64 { return r[1] }

// Contains reports whether v lies within the bound.
func (r Range) Contains(v float64) bool {
	return v >= r[0] && v <= r[1]
}

// ValidationIssue is one defect found by a detector.
type ValidationIssue struct {
	Type              IssueType `json:"type"`
	StationID         *int64    `json:"station_id,omitempty"`
	Sensor            string    `json:"sensor,omitempty"`
	Column            string    `json:"column,omitempty"`
	Count             int       `json:"count"`
	RangeStart        string    `json:"range_start"`
	RangeEnd          string    `json:"range_end"`
	SampleValue       *float64  `json:"sample_value,omitempty"`
	Bounds            *Range    `json:"bounds,omitempty"`
	CompletenessPct   *float64  `json:"completeness_pct,omitempty"`
	TotalExpected     *int      `json:"total_expected,omitempty"`
	MissingTimestamps []string  `json:"missing_timestamps,omitempty"`
}

// FileReport groups the issues of one archive partition.
type FileReport struct {
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues"`
	Error  string            `json:"error,omitempty"`
}

// ValidationSummary tallies issues by type.
type ValidationSummary struct {
	TotalFilesScanned       int `json:"total_files_scanned"`
	TotalIssues             int `json:"total_issues"`
	FilesWithIssues         int `json:"files_with_issues"`
	StuckValuesCount        int `json:"stuck_values_count"`
	OutOfRangeCount         int `json:"out_of_range_count"`
	CompletenessIssuesCount int `json:"completeness_issues_count"`
	SystemIssuesCount       int `json:"system_issues_count"`
	EmptyRowsCount          int `json:"empty_rows_count"`
	SensorGapsCount         int `json:"sensor_gaps_count"`
}

// ValidationReport is the single current output of the integrity validator.
type ValidationReport struct {
	LastRun time.Time         `json:"last_run"`
	Summary ValidationSummary `json:"summary"`
	Details []FileReport      `json:"details"`
}

// Summarize rebuilds Summary from Details.
func (r *ValidationReport) Summarize() {
	s := ValidationSummary{TotalFilesScanned: len(r.Details)}
	for _, d := range r.Details {
		if len(d.Issues) > 0 {
			s.FilesWithIssues++
		}
		for _, is := range d.Issues {
			s.TotalIssues++
			switch is.Type {
			case IssueStuckValue:
				s.StuckValuesCount++
			case IssueOutOfRange:
				s.OutOfRangeCount++
			case IssueCompleteness:
				s.CompletenessIssuesCount++
			case IssueSystemCompleteness:
				s.SystemIssuesCount++
			case IssueEmptyRow:
				s.EmptyRowsCount++
			case IssueSensorGap:
				s.SensorGapsCount++
			}
		}
	}
	r.Summary = s
}

// ValidationRules is the rule set exposed to callers.
type ValidationRules struct {
	Ranges   map[string]Range   `json:"ranges"`
	Defaults ValidationDefaults `json:"defaults"`
}

// ValidationDefaults holds detector defaults.
type ValidationDefaults struct {
	StuckIntervals int  `json:"stuck_intervals"`
	ExcludeZero    bool `json:"exclude_zero"`
}
