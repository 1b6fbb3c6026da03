package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func TestTracerRecordsStepLifecycle(t *testing.T) {
	tr := NewTracer("wf-1", "demo")

	tr.StartStep("ask", schema.StepTypePrompt)
	tr.LogStep("info", "calling model", map[string]any{"model": "gpt-test"})
	tr.EndStep("yes", nil, 2)
	tr.Finish(schema.WorkflowStatusCompleted, nil, map[string]any{"ans": "yes"})

	trace := tr.Trace()
	require.Len(t, trace.Steps, 1)

	step := trace.Steps[0]
	assert.Equal(t, "ask", step.StepName)
	assert.Equal(t, "prompt", step.StepType)
	assert.Equal(t, "completed", step.Status)
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, "yes", step.ResultPreview)
	require.Len(t, step.Logs, 1)
	assert.Equal(t, "calling model", step.Logs[0].Message)
	assert.Equal(t, "completed", trace.Status)
	assert.NotEmpty(t, trace.EndTime)
}

func TestTracerNestedStepsAttachLogsToInnermost(t *testing.T) {
	tr := NewTracer("wf-1", "demo")

	tr.StartStep("outer", schema.StepTypeLoop)
	tr.StartStep("inner", schema.StepTypePrompt)
	tr.LogStep("info", "inner work", nil)
	tr.EndStep("done", nil, 0)
	tr.LogStep("info", "outer work", nil)
	tr.EndStep([]any{"done"}, nil, 0)

	trace := tr.Trace()
	require.Len(t, trace.Steps, 2)
	assert.Equal(t, "outer", trace.Steps[0].StepName)
	assert.Equal(t, "inner", trace.Steps[1].StepName)
	require.Len(t, trace.Steps[1].Logs, 1)
	assert.Equal(t, "inner work", trace.Steps[1].Logs[0].Message)
	require.Len(t, trace.Steps[0].Logs, 1)
	assert.Equal(t, "outer work", trace.Steps[0].Logs[0].Message)
}

func TestTracerTruncatesLongResults(t *testing.T) {
	tr := NewTracer("wf-1", "demo")

	long := strings.Repeat("x", 1200)
	tr.StartStep("big", schema.StepTypePrompt)
	tr.EndStep(long, nil, 0)

	preview := tr.Trace().Steps[0].ResultPreview
	assert.Len(t, preview, resultPreviewLimit+3)
	assert.True(t, strings.HasSuffix(preview, "..."))
}

func TestTracerSanitizesSensitiveVariables(t *testing.T) {
	tr := NewTracer("wf-1", "demo")
	tr.StartStep("s", schema.StepTypeSleep)
	tr.EndStep(nil, nil, 0)
	tr.Finish(schema.WorkflowStatusCompleted, nil, map[string]any{
		"api_key":       "sk-123",
		"userPassword":  "hunter2",
		"AUTH_HEADER":   "Bearer abc",
		"access_token":  "tok",
		"db_credential": "creds",
		"topic":         "public",
	})

	out, err := tr.ToJSON()
	require.NoError(t, err)

	assert.NotContains(t, out, "sk-123")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "Bearer abc")
	assert.Contains(t, out, RedactionMarker)
	assert.Contains(t, out, "public")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	vars := decoded["variables"].(map[string]any)
	assert.Equal(t, RedactionMarker, vars["api_key"])
	assert.Equal(t, "public", vars["topic"])
}

func TestTracerImmutableAfterFinish(t *testing.T) {
	tr := NewTracer("wf-1", "demo")
	tr.Finish(schema.WorkflowStatusCompleted, nil, nil)

	tr.StartStep("late", schema.StepTypePrompt)
	tr.LogStep("info", "too late", nil)

	assert.Empty(t, tr.Trace().Steps)
	assert.Empty(t, tr.Trace().GlobalLogs)
}

func TestTracerSummary(t *testing.T) {
	tr := NewTracer("wf-1", "demo")

	tr.StartStep("a", schema.StepTypePrompt)
	tr.EndStep("ok", nil, 0)
	tr.StartStep("b", schema.StepTypePrompt)
	tr.EndStep(nil, errors.New("boom"), 1)
	tr.SkipStep("c", schema.StepTypeExtract, `dependency "b" failed`)
	tr.Finish(schema.WorkflowStatusFailed, errors.New("boom"), nil)

	s := tr.Summary()
	assert.Equal(t, 3, s.TotalSteps)
	assert.Equal(t, 1, s.CompletedSteps)
	assert.Equal(t, 1, s.FailedSteps)
	assert.Equal(t, 1, s.SkippedSteps)
	assert.GreaterOrEqual(t, s.MeanStepMs, 0.0)
}

func TestTraceJSONContract(t *testing.T) {
	tr := NewTracer("wf-1", "demo")
	tr.StartStep("a", schema.StepTypePrompt)
	tr.EndStep("ok", nil, 0)
	tr.LogStep("info", "run level", nil)
	tr.Finish(schema.WorkflowStatusCompleted, nil, map[string]any{"k": "v"})

	out, err := tr.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	for _, key := range []string{
		"workflow_id", "workflow_name", "status",
		"start_time", "end_time", "duration_ms",
		"steps", "global_logs", "variables",
	} {
		assert.Contains(t, decoded, key)
	}

	steps := decoded["steps"].([]any)
	require.Len(t, steps, 1)
	step := steps[0].(map[string]any)
	for _, key := range []string{
		"step_name", "step_type", "status",
		"start_time", "end_time", "duration_ms", "retry_count", "logs",
	} {
		assert.Contains(t, step, key)
	}
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}`, decoded["start_time"])
}
