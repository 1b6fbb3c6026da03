package store

import "time"

// Run is one persisted workflow execution.
type Run struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   float64    `json:"duration_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// TraceJSON is the serialized execution trace as produced by the tracer.
	TraceJSON string `json:"trace_json,omitempty"`
}

// RunUpdate carries the terminal fields written when a run finishes.
type RunUpdate struct {
	Status       string
	FinishedAt   time.Time
	DurationMs   float64
	ErrorMessage string
	TraceJSON    string
}

// RunFilter narrows ListRuns results. Zero values mean "no constraint".
type RunFilter struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}
