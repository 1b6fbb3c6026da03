package engine

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// traceTimeFormat renders timestamps as ISO-8601 with millisecond precision.
// Downstream tooling parses this format; do not change it.
const traceTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// resultPreviewLimit bounds result previews stored in the trace. Traces are
// for diagnosis, not replay.
const resultPreviewLimit = 500

// RedactionMarker replaces sensitive variable values in serialized traces.
const RedactionMarker = "[REDACTED]"

var sensitiveVarRe = regexp.MustCompile(`(?i)password|secret|token|api_key|auth|credential`)

// TraceLog is a single timestamped log line attached to a step or the run.
type TraceLog struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// StepTrace records the execution of one step.
type StepTrace struct {
	StepName      string     `json:"step_name"`
	StepType      string     `json:"step_type"`
	Status        string     `json:"status"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time,omitempty"`
	DurationMs    float64    `json:"duration_ms"`
	RetryCount    int        `json:"retry_count"`
	ResultPreview string     `json:"result_preview,omitempty"`
	Error         string     `json:"error,omitempty"`
	Logs          []TraceLog `json:"logs"`

	started time.Time
}

// Trace is the serialized record of one workflow run. It is the durable
// contract consumed by dashboards and CI checks.
type Trace struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       string         `json:"status"`
	StartTime    string         `json:"start_time"`
	EndTime      string         `json:"end_time,omitempty"`
	DurationMs   float64        `json:"duration_ms"`
	Steps        []*StepTrace   `json:"steps"`
	GlobalLogs   []TraceLog     `json:"global_logs"`
	Variables    map[string]any `json:"variables"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// TraceSummary aggregates per-run statistics.
type TraceSummary struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
	MeanStepMs     float64 `json:"mean_step_duration_ms"`
	TotalMs        float64 `json:"total_duration_ms"`
}

// Tracer accumulates the execution trace for a single run. It is owned by
// one Runner and is not safe for concurrent use. Nested steps (conditional
// and loop bodies) are tracked with a stack so log lines attach to the
// innermost open step.
type Tracer struct {
	trace    *Trace
	started  time.Time
	open     []*StepTrace // stack of open steps, innermost last
	finished bool
}

// NewTracer starts a trace for the given workflow.
func NewTracer(workflowID, workflowName string) *Tracer {
	now := time.Now()
	return &Tracer{
		trace: &Trace{
			WorkflowID:   workflowID,
			WorkflowName: workflowName,
			Status:       string(schema.WorkflowStatusRunning),
			StartTime:    now.Format(traceTimeFormat),
			Steps:        []*StepTrace{},
			GlobalLogs:   []TraceLog{},
			Variables:    map[string]any{},
		},
		started: now,
	}
}

// StartStep opens a trace entry for a step. Entries appear in the trace in
// start order, including entries for steps nested inside loop and
// conditional bodies.
func (t *Tracer) StartStep(name string, stepType schema.StepType) {
	if t.finished {
		return
	}
	now := time.Now()
	st := &StepTrace{
		StepName:  name,
		StepType:  string(stepType),
		Status:    string(schema.StepStatusRunning),
		StartTime: now.Format(traceTimeFormat),
		Logs:      []TraceLog{},
		started:   now,
	}
	t.trace.Steps = append(t.trace.Steps, st)
	t.open = append(t.open, st)
}

// LogStep attaches a log line to the innermost open step, or to the run's
// global logs when no step is open.
func (t *Tracer) LogStep(level, message string, context map[string]any) {
	if t.finished {
		return
	}
	entry := TraceLog{
		Timestamp: time.Now().Format(traceTimeFormat),
		Level:     level,
		Message:   message,
		Context:   context,
	}
	if n := len(t.open); n > 0 {
		st := t.open[n-1]
		st.Logs = append(st.Logs, entry)
		return
	}
	t.trace.GlobalLogs = append(t.trace.GlobalLogs, entry)
}

// EndStep closes the innermost open step, recording its outcome and the
// number of retries that were needed.
func (t *Tracer) EndStep(result any, stepErr error, retryCount int) {
	if t.finished || len(t.open) == 0 {
		return
	}
	st := t.open[len(t.open)-1]
	t.open = t.open[:len(t.open)-1]

	now := time.Now()
	st.EndTime = now.Format(traceTimeFormat)
	st.DurationMs = float64(now.Sub(st.started)) / float64(time.Millisecond)
	st.RetryCount = retryCount

	if stepErr != nil {
		st.Status = string(schema.StepStatusFailed)
		st.Error = stepErr.Error()
		return
	}
	st.Status = string(schema.StepStatusCompleted)
	if result != nil {
		st.ResultPreview = truncatePreview(Stringify(result))
	}
}

// SkipStep records a step that was skipped because a dependency was unmet.
func (t *Tracer) SkipStep(name string, stepType schema.StepType, reason string) {
	if t.finished {
		return
	}
	now := time.Now().Format(traceTimeFormat)
	st := &StepTrace{
		StepName:   name,
		StepType:   string(stepType),
		Status:     string(schema.StepStatusSkipped),
		StartTime:  now,
		EndTime:    now,
		DurationMs: 0,
		Logs: []TraceLog{{
			Timestamp: now,
			Level:     "info",
			Message:   reason,
		}},
	}
	t.trace.Steps = append(t.trace.Steps, st)
}

// Finish seals the trace with the final workflow status and the sanitized
// variable environment. Further mutations are ignored.
func (t *Tracer) Finish(status schema.WorkflowStatus, runErr error, variables map[string]any) {
	if t.finished {
		return
	}
	now := time.Now()
	t.trace.Status = string(status)
	t.trace.EndTime = now.Format(traceTimeFormat)
	t.trace.DurationMs = float64(now.Sub(t.started)) / float64(time.Millisecond)
	t.trace.Variables = sanitizeVariables(variables)
	if runErr != nil {
		t.trace.ErrorMessage = runErr.Error()
	}
	t.open = nil
	t.finished = true
}

// Trace returns the accumulated trace.
func (t *Tracer) Trace() *Trace {
	return t.trace
}

// Summary aggregates step counts and the mean step duration.
func (t *Tracer) Summary() TraceSummary {
	s := TraceSummary{
		TotalSteps: len(t.trace.Steps),
		TotalMs:    t.trace.DurationMs,
	}
	var sum float64
	var timed int
	for _, st := range t.trace.Steps {
		switch st.Status {
		case string(schema.StepStatusCompleted):
			s.CompletedSteps++
		case string(schema.StepStatusFailed):
			s.FailedSteps++
		case string(schema.StepStatusSkipped):
			s.SkippedSteps++
		}
		if st.EndTime != "" && st.Status != string(schema.StepStatusSkipped) {
			sum += st.DurationMs
			timed++
		}
	}
	if timed > 0 {
		s.MeanStepMs = sum / float64(timed)
	}
	return s
}

// ToJSON serializes the trace with stable indentation.
func (t *Tracer) ToJSON() (string, error) {
	return TraceJSON(t.trace)
}

// TraceJSON serializes a trace with stable indentation.
func TraceJSON(trace *Trace) (string, error) {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "failed to serialize trace").WithCause(err)
	}
	return string(data), nil
}

func truncatePreview(s string) string {
	if len(s) <= resultPreviewLimit {
		return s
	}
	return s[:resultPreviewLimit] + "..."
}

func sanitizeVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for name, value := range vars {
		if sensitiveVarRe.MatchString(name) {
			out[name] = RedactionMarker
			continue
		}
		out[name] = value
	}
	return out
}
