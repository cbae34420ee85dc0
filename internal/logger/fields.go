package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldFlow is the training flow name
	FieldFlow = "flow"

	// FieldTask is the pipeline task name, with the map index when mapped
	FieldTask = "task"

	// FieldRunID is the registry run id
	FieldRunID = "run_id"

	// FieldIonMode is the ion mode a flow or model is bound to
	FieldIonMode = "ion_mode"

	// FieldDatasetID is the dataset being ingested
	FieldDatasetID = "dataset_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Metric fields, set per entry.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the 1-based attempt number of a task
	FieldAttempt = "attempt"
)
