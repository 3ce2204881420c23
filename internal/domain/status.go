package domain

import "time"

// RunState is the lifecycle state of the process-wide ProcessingStatus.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateStarting  RunState = "starting"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateError     RunState = "error"
)

// Terminal reports whether no further transition happens without a new run.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateError
}

// StepState is the result of one (data type, period) unit of work.
type StepState string

const (
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
	StepAborted   StepState = "aborted"
)

// CheckSummary compares the remote extraction with the local live rows.
type CheckSummary struct {
	RemoteRows     int    `json:"remote_rows"`
	LocalRows      int    `json:"local_rows"`
	RemoteChecksum string `json:"remote_checksum"`
	LocalChecksum  string `json:"local_checksum"`
	InSync         bool   `json:"in_sync"`
}

// Reconciliation actions.
const (
	ActionChecked  = "checked"
	ActionMerged   = "merged"
	ActionReplaced = "replaced"
	ActionRead     = "read"
)

// ReconciliationOutcome summarises one reconciliation of a (type, period).
type ReconciliationOutcome struct {
	DataType  DataType      `json:"data_type"`
	Period    Period        `json:"period"`
	Mode      string        `json:"mode"`
	Action    string        `json:"action"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Unchanged int           `json:"unchanged"`
	Written   bool          `json:"written"`
	Check     *CheckSummary `json:"check,omitempty"`
}

// Changed reports whether any row differs from the prior snapshot.
func (o *ReconciliationOutcome) Changed() bool {
	return o.Inserted+o.Updated+o.Deleted > 0
}

// StepEntry is one line of the machine-readable step log.
type StepEntry struct {
	DataType   DataType               `json:"data_type"`
	Period     Period                 `json:"period"`
	State      StepState              `json:"state"`
	Outcome    *ReconciliationOutcome `json:"outcome,omitempty"`
	Error      string                 `json:"error,omitempty"`
	FinishedAt time.Time              `json:"finished_at"`
}

// TypeError records a failed data type in a run.
type TypeError struct {
	DataType DataType `json:"data_type"`
	Period   Period   `json:"period"`
	Error    string   `json:"error"`
}

// ProcessingStatus is the externally visible state of the orchestrator.
type ProcessingStatus struct {
	Status     RunState    `json:"status"`
	Message    string      `json:"message"`
	Date       string      `json:"date,omitempty"`
	Step       string      `json:"step,omitempty"`
	RunID      string      `json:"run_id,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Steps      []StepEntry `json:"steps,omitempty"`
	Errors     []TypeError `json:"errors,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s ProcessingStatus) Clone() ProcessingStatus {
	out := s
	out.Steps = append([]StepEntry(nil), s.Steps...)
	out.Errors = append([]TypeError(nil), s.Errors...)
	return out
}
