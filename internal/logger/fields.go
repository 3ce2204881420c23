package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldRunID is the orchestrator or validation run handle
	FieldRunID = "run_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldDataType is the archive data type (met, tur, grd, cnt, din, sum)
	FieldDataType = "data_type"

	// FieldPeriod is the archive partition month (YYYY-MM)
	FieldPeriod = "period"

	// FieldMode is the reconciliation update mode
	FieldMode = "mode"
)

// Metric fields used for aggregation and alerting.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
