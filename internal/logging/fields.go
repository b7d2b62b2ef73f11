package logging

// Standardized attribute keys used across the worker.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldJobID     = "job_id"
	FieldLane      = "lane"
	FieldStage     = "stage"
)
