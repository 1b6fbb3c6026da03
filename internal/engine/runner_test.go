package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

type mockExecutor struct {
	responses map[string]string // prompt -> response
	fallback  string
	err       error
	calls     []string
	models    []string
}

func (m *mockExecutor) Execute(ctx context.Context, model, prompt, systemPrompt string) (string, error) {
	m.calls = append(m.calls, prompt)
	m.models = append(m.models, model)
	if m.err != nil {
		return "", m.err
	}
	if resp, ok := m.responses[prompt]; ok {
		return resp, nil
	}
	return m.fallback, nil
}

type mockRenderer struct {
	templates map[string]string
}

func (m *mockRenderer) Render(templateID string, vars map[string]any) (string, error) {
	tpl, ok := m.templates[templateID]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", templateID)
	}
	return fmt.Sprintf("%s (topic=%v)", tpl, vars["topic"]), nil
}

type upperEngine struct{}

func (upperEngine) Name() string { return "expr" }

func (upperEngine) Evaluate(ctx context.Context, expression string, input map[string]any) (any, error) {
	vars := input["vars"].(map[string]any)
	return fmt.Sprintf("%s:%v", expression, vars["ans"]), nil
}

func TestRunThreeStepWorkflow(t *testing.T) {
	exec := &mockExecutor{fallback: "yes"}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		ID:   "wf-e2e",
		Name: "decision",
		Steps: []schema.Step{
			{Name: "ask", Type: schema.StepTypePrompt, Prompt: "continue?", OutputVar: "ans"},
			{
				Name:      "branch",
				Type:      schema.StepTypeConditional,
				Condition: "ans == 'yes'",
				Then:      []schema.Step{{Name: "pause", Type: schema.StepTypeSleep, Duration: 0.001}},
				Else:      []schema.Step{{Name: "grab", Type: schema.StepTypeExtract, FromStep: "ask"}},
			},
			{Name: "recap", Type: schema.StepTypePrompt, Prompt: "answer was {{ans}}"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "yes", res.Results["ask"])
	assert.Equal(t, "yes", res.Variables["ans"])
	assert.Equal(t, "answer was yes", exec.calls[len(exec.calls)-1])

	// One trace entry per top-level step plus the nested then-branch step.
	byName := map[string]*StepTrace{}
	for _, st := range res.Trace.Steps {
		byName[st.StepName] = st
	}
	for _, name := range []string{"ask", "branch", "recap", "pause"} {
		require.Contains(t, byName, name)
		assert.Equal(t, "completed", byName[name].Status, name)
	}
}

func TestRunLoopPreservesOrdering(t *testing.T) {
	exec := &mockExecutor{responses: map[string]string{
		"say 1": "one", "say 2": "two", "say 3": "three",
	}}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name:      "loop",
		Variables: map[string]any{"nums": []any{1, 2, 3}},
		Steps: []schema.Step{
			{
				Name:     "each",
				Type:     schema.StepTypeLoop,
				ItemsVar: "nums",
				Body: []schema.Step{
					{Name: "say", Type: schema.StepTypePrompt, Prompt: "say {{item}}"},
				},
			},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, []any{"one", "two", "three"}, res.Results["each"])
	assert.Equal(t, []string{"say 1", "say 2", "say 3"}, exec.calls)
	assert.NotContains(t, res.Variables, "item", "loop variable must not leak past the loop")
}

func TestRunLoopRestoresPriorLoopVar(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name:      "loop",
		Variables: map[string]any{"item": "outer", "nums": []any{1, 2}},
		Steps: []schema.Step{
			{
				Name:     "each",
				Type:     schema.StepTypeLoop,
				ItemsVar: "nums",
				Body: []schema.Step{
					{Name: "say", Type: schema.StepTypePrompt, Prompt: "go"},
				},
			},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, "outer", res.Variables["item"])
}

func TestRunLoopSnapshotsItemsAtStart(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name:      "loop",
		Variables: map[string]any{"nums": []any{1, 2}},
		Steps: []schema.Step{
			{
				Name:     "each",
				Type:     schema.StepTypeLoop,
				ItemsVar: "nums",
				Body: []schema.Step{
					// Rebinding nums mid-loop must not change the iteration.
					{Name: "say", Type: schema.StepTypePrompt, Prompt: "go", OutputVar: "nums"},
				},
			},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Len(t, res.Results["each"], 2)
}

func TestRunDependencySkip(t *testing.T) {
	exec := &mockExecutor{err: errors.New("model down")}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name: "deps",
		Steps: []schema.Step{
			{Name: "first", Type: schema.StepTypePrompt, Prompt: "p", OnError: "continue"},
			{Name: "second", Type: schema.StepTypeSleep, Duration: 0.001, DependsOn: []string{"first"}},
			{Name: "third", Type: schema.StepTypeSleep, Duration: 0.001, DependsOn: []string{"never-ran"}},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err, "skips must not fail the workflow")
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)

	marker, ok := res.Results["first"].(errorMarker)
	require.True(t, ok)
	assert.Contains(t, marker["error"], "model down")
	assert.NotContains(t, res.Results, "second")
	assert.NotContains(t, res.Results, "third")

	statuses := map[string]string{}
	for _, st := range res.Trace.Steps {
		statuses[st.StepName] = st.Status
	}
	assert.Equal(t, "failed", statuses["first"])
	assert.Equal(t, "skipped", statuses["second"])
	assert.Equal(t, "skipped", statuses["third"])
}

type errorShapedEngine struct{}

func (errorShapedEngine) Name() string { return "expr" }

func (errorShapedEngine) Evaluate(ctx context.Context, expression string, input map[string]any) (any, error) {
	return map[string]any{"error": "not a failure, just data"}, nil
}

func TestRunErrorShapedResultIsNotAFailedDependency(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	runner := NewRunner(exec, WithEngines(errorShapedEngine{}))

	doc := &schema.WorkflowDocument{
		Name: "error-shaped",
		Steps: []schema.Step{
			{Name: "shape", Type: schema.StepTypeTransform, Expression: "x"},
			{Name: "after", Type: schema.StepTypePrompt, Prompt: "p", DependsOn: []string{"shape"}},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Results["after"], "dependent must run")

	statuses := map[string]string{}
	for _, st := range res.Trace.Steps {
		statuses[st.StepName] = st.Status
	}
	assert.Equal(t, "completed", statuses["after"])
}

func TestRunFailFastByDefault(t *testing.T) {
	exec := &mockExecutor{err: errors.New("model down")}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name: "failfast",
		Steps: []schema.Step{
			{Name: "first", Type: schema.StepTypePrompt, Prompt: "p"},
			{Name: "second", Type: schema.StepTypeSleep, Duration: 0.001},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.Error(t, res.Err)
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Contains(t, res.Trace.ErrorMessage, "model down")
	assert.NotContains(t, res.Results, "second", "no step runs after an unrecovered failure")

	var loomErr *schema.LoomError
	require.ErrorAs(t, res.Err, &loomErr)
	assert.Equal(t, "first", loomErr.Step)
}

func TestRunExtractStep(t *testing.T) {
	exec := &mockExecutor{fallback: "Result: 42 points\nextra lines"}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name: "extract",
		Steps: []schema.Step{
			{Name: "gen", Type: schema.StepTypePrompt, Prompt: "p"},
			{Name: "num", Type: schema.StepTypeExtract, FromStep: "gen", Pattern: `Result: (\d+)`, OutputVar: "score"},
			{Name: "all", Type: schema.StepTypeExtract, FromStep: "gen", Pattern: `Result.*lines`},
			{Name: "none", Type: schema.StepTypeExtract, FromStep: "gen", Pattern: `nope-\d+`},
			{Name: "raw", Type: schema.StepTypeExtract, FromStep: "gen"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, "42", res.Results["num"])
	assert.Equal(t, "42", res.Variables["score"])
	assert.Equal(t, "Result: 42 points\nextra lines", res.Results["all"], "patterns match across newlines")
	assert.Equal(t, "", res.Results["none"])
	assert.Equal(t, "Result: 42 points\nextra lines", res.Results["raw"])
}

func TestRunTemplateStep(t *testing.T) {
	exec := &mockExecutor{fallback: "rendered response"}
	renderer := &mockRenderer{templates: map[string]string{"greet": "hello"}}
	runner := NewRunner(exec, WithTemplateRenderer(renderer))

	doc := &schema.WorkflowDocument{
		Name:      "tpl",
		Variables: map[string]any{"topic": "go"},
		Steps: []schema.Step{
			{Name: "t", Type: schema.StepTypeTemplate, Template: "greet"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"hello (topic=go)"}, exec.calls)
}

func TestRunTemplateMissingIsNotRetried(t *testing.T) {
	exec := &mockExecutor{fallback: "x"}
	renderer := &mockRenderer{templates: map[string]string{}}
	runner := NewRunner(exec, WithTemplateRenderer(renderer))

	doc := &schema.WorkflowDocument{
		Name: "tpl",
		Steps: []schema.Step{
			{
				Name: "t", Type: schema.StepTypeTemplate, Template: "missing",
				Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialDelay: 0.001},
			},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.Error(t, res.Err)
	require.Len(t, res.Trace.Steps, 1)
	assert.Equal(t, 0, res.Trace.Steps[0].RetryCount, "configuration errors are not retried")
}

func TestRunRetryRecordsCount(t *testing.T) {
	calls := 0
	exec := &flakyExecutor{failUntil: 3, calls: &calls}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name: "retry",
		Steps: []schema.Step{
			{
				Name: "p", Type: schema.StepTypePrompt, Prompt: "x",
				Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialDelay: 0.001, Backoff: "fixed"},
			},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, calls)
	require.Len(t, res.Trace.Steps, 1)
	assert.Equal(t, 2, res.Trace.Steps[0].RetryCount)
}

type flakyExecutor struct {
	failUntil int
	calls     *int
}

func (f *flakyExecutor) Execute(ctx context.Context, model, prompt, systemPrompt string) (string, error) {
	*f.calls++
	if *f.calls < f.failUntil {
		return "", errors.New("transient")
	}
	return "ok", nil
}

func TestRunModelSelectorResolvesAuto(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	var resolved []string
	selector := func(ctx context.Context, step *schema.Step) (string, error) {
		resolved = append(resolved, step.Name)
		return "gpt-best", nil
	}
	runner := NewRunner(exec, WithModelSelector(selector))

	doc := &schema.WorkflowDocument{
		Name: "auto",
		Steps: []schema.Step{
			{Name: "a", Type: schema.StepTypePrompt, Prompt: "p", Model: "auto"},
			{Name: "b", Type: schema.StepTypePrompt, Prompt: "p", Model: "fixed-model"},
			{Name: "c", Type: schema.StepTypePrompt, Prompt: "p"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a", "c"}, resolved, "selector runs for auto and unset, not explicit ids")
	assert.Equal(t, []string{"gpt-best", "fixed-model", "gpt-best"}, exec.models)
}

func TestRunPromptWithoutModel(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	runner := NewRunner(exec)

	doc := &schema.WorkflowDocument{
		Name: "no-model",
		Steps: []schema.Step{
			{Name: "a", Type: schema.StepTypePrompt, Prompt: "p"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "ok", res.Results["a"])
	assert.Equal(t, []string{""}, exec.models, "empty model id reaches the executor as-is")
}

func TestRunTransformStep(t *testing.T) {
	exec := &mockExecutor{fallback: "yes"}
	runner := NewRunner(exec, WithEngines(upperEngine{}))

	doc := &schema.WorkflowDocument{
		Name: "transform",
		Steps: []schema.Step{
			{Name: "ask", Type: schema.StepTypePrompt, Prompt: "p", OutputVar: "ans"},
			{Name: "t", Type: schema.StepTypeTransform, Expression: "tag"},
		},
	}

	res := runner.Run(context.Background(), doc)
	require.NoError(t, res.Err)
	assert.Equal(t, "tag:yes", res.Results["t"])
}

func TestRunHonorsCancellation(t *testing.T) {
	exec := &mockExecutor{fallback: "ok"}
	runner := NewRunner(exec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := &schema.WorkflowDocument{
		Name: "cancelled",
		Steps: []schema.Step{
			{Name: "s", Type: schema.StepTypeSleep, Duration: 10},
		},
	}

	start := time.Now()
	res := runner.Run(ctx, doc)
	require.Error(t, res.Err)
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}
