package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/pkg/schema"
)

// ModelExecutor is the external collaborator that runs a prompt against a
// model. The engine treats it as opaque, potentially slow and potentially
// failing; its errors pass through the retry controller unchanged.
type ModelExecutor interface {
	Execute(ctx context.Context, model, prompt, systemPrompt string) (string, error)
}

// TemplateRenderer resolves a template id and renders it with the given
// variables. A missing template id is a non-retryable configuration error.
type TemplateRenderer interface {
	Render(templateID string, vars map[string]any) (string, error)
}

// ExpressionEngine evaluates a transform expression against an input scope.
type ExpressionEngine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, input map[string]any) (any, error)
}

// ModelSelector resolves the model id "auto" to a concrete model.
type ModelSelector func(ctx context.Context, step *schema.Step) (string, error)

// errorMarker is how a failed step with on_error "continue" is recorded in
// the results map. Dependency checks treat its presence as an unmet
// dependency.
type errorMarker map[string]any

func newErrorMarker(err error) errorMarker {
	return errorMarker{"error": err.Error()}
}

// executionState holds the mutable state of one run. It is owned exclusively
// by the Runner goroutine executing the workflow; nothing else observes it.
type executionState struct {
	env     *Environment
	results map[string]any
	status  schema.WorkflowStatus
	tracer  *Tracer
}

// RunResult is the outcome of one workflow execution.
type RunResult struct {
	RunID     string
	Status    schema.WorkflowStatus
	Results   map[string]any
	Variables map[string]any
	Trace     *Trace
	Err       error
}

// Runner executes workflow documents. A single Runner may execute many
// workflows sequentially or concurrently; each Run call builds its own
// execution state, so runs never share a variable environment.
type Runner struct {
	executor ModelExecutor
	renderer TemplateRenderer
	selector ModelSelector
	breakers *CircuitBreakerRegistry
	engines  map[string]ExpressionEngine
	logger   *slog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the structured logger used for run progress.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithTemplateRenderer sets the collaborator used by template steps.
func WithTemplateRenderer(renderer TemplateRenderer) RunnerOption {
	return func(r *Runner) { r.renderer = renderer }
}

// WithModelSelector sets the collaborator that resolves model "auto".
func WithModelSelector(selector ModelSelector) RunnerOption {
	return func(r *Runner) { r.selector = selector }
}

// WithCircuitBreakers sets the breaker registry guarding model calls.
// Sharing one registry across runs lets breaker state protect a failing
// model across many workflows.
func WithCircuitBreakers(registry *CircuitBreakerRegistry) RunnerOption {
	return func(r *Runner) { r.breakers = registry }
}

// WithEngines registers the expression engines available to transform steps.
func WithEngines(engines ...ExpressionEngine) RunnerOption {
	return func(r *Runner) {
		for _, e := range engines {
			r.engines[e.Name()] = e
		}
	}
}

// NewRunner creates a Runner around a model executor.
func NewRunner(executor ModelExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor: executor,
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		engines:  make(map[string]ExpressionEngine),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every step of the document in order and returns the outcome.
// The document itself is never mutated; variables are copied into a fresh
// environment per run.
func (r *Runner) Run(ctx context.Context, doc *schema.WorkflowDocument) *RunResult {
	runID := uuid.NewString()
	workflowID := doc.ID
	if workflowID == "" {
		workflowID = runID
	}
	ctx = logging.WithWorkflowID(ctx, workflowID)
	ctx = logging.WithRunID(ctx, runID)

	state := &executionState{
		env:     NewEnvironment(doc.Variables),
		results: make(map[string]any),
		status:  schema.WorkflowStatusRunning,
		tracer:  NewTracer(workflowID, doc.Name),
	}

	r.logger.InfoContext(ctx, "workflow started",
		"workflow_name", doc.Name, "steps", len(doc.Steps))

	var runErr error
	for i := range doc.Steps {
		if err := ctx.Err(); err != nil {
			runErr = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").WithCause(err)
			break
		}
		if err := r.executeStep(ctx, state, &doc.Steps[i]); err != nil {
			runErr = err
			break
		}
	}

	if runErr != nil {
		state.status = schema.WorkflowStatusFailed
		r.logger.ErrorContext(ctx, "workflow failed", "error", runErr)
	} else {
		state.status = schema.WorkflowStatusCompleted
		r.logger.InfoContext(ctx, "workflow completed", "steps", len(doc.Steps))
	}
	state.tracer.Finish(state.status, runErr, state.env.Snapshot())

	return &RunResult{
		RunID:     runID,
		Status:    state.status,
		Results:   state.results,
		Variables: state.env.Snapshot(),
		Trace:     state.tracer.Trace(),
		Err:       runErr,
	}
}

// executeStep runs one step: dependency check, dispatch with retry, result
// binding, and error policy. It is also the recursion point for conditional
// and loop bodies.
func (r *Runner) executeStep(ctx context.Context, state *executionState, step *schema.Step) error {
	ctx = logging.WithStepID(ctx, step.Name)

	if reason, unmet := unmetDependency(state, step); unmet {
		r.logger.InfoContext(ctx, "step skipped", "reason", reason)
		state.tracer.SkipStep(step.Name, step.Type, reason)
		return nil
	}

	state.tracer.StartStep(step.Name, step.Type)
	r.logger.InfoContext(ctx, "step started", "type", string(step.Type))

	result, retries, err := r.dispatchWithRetry(ctx, state, step)
	state.tracer.EndStep(result, err, retries)

	if err != nil {
		if step.OnError == "continue" {
			r.logger.WarnContext(ctx, "step failed, continuing", "error", err)
			state.results[step.Name] = newErrorMarker(err)
			return nil
		}
		r.logger.ErrorContext(ctx, "step failed", "error", err)
		if le, ok := err.(*schema.LoomError); ok {
			return le.WithStep(step.Name)
		}
		return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", step.Name, err.Error()).
			WithStep(step.Name).WithCause(err)
	}

	state.results[step.Name] = result
	if step.OutputVar != "" {
		state.env.Set(step.OutputVar, result)
	}
	r.logger.InfoContext(ctx, "step completed", "retries", retries)
	return nil
}

// dispatchWithRetry wraps the handler call in the step's retry policy. A
// bare timeout with no retry block becomes a synthesized single-attempt
// policy so the timeout still applies.
func (r *Runner) dispatchWithRetry(ctx context.Context, state *executionState, step *schema.Step) (any, int, error) {
	policy := step.Retry
	if policy == nil && step.Timeout > 0 {
		policy = &schema.RetryPolicy{MaxAttempts: 1, Timeout: step.Timeout}
	}
	if policy != nil && policy.Timeout == 0 && step.Timeout > 0 {
		p := *policy
		p.Timeout = step.Timeout
		policy = &p
	}

	op := func(ctx context.Context) (any, error) {
		return r.dispatch(ctx, state, step)
	}
	if policy == nil {
		result, err := op(ctx)
		return result, 0, err
	}

	onRetry := func(attempt int, delay time.Duration, err error) {
		state.tracer.LogStep("warning",
			fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay),
			map[string]any{"error": err.Error()})
		r.logger.WarnContext(ctx, "retrying step",
			"attempt", attempt, "delay", delay.String(), "error", err)
	}
	return RunWithRetry(ctx, policy, onRetry, op)
}

// unmetDependency reports whether any depends_on entry is missing from
// results or recorded with an error marker.
func unmetDependency(state *executionState, step *schema.Step) (string, bool) {
	for _, dep := range step.DependsOn {
		prior, ok := state.results[dep]
		if !ok {
			return fmt.Sprintf("dependency %q did not run", dep), true
		}
		if isErrorMarker(prior) {
			return fmt.Sprintf("dependency %q failed", dep), true
		}
	}
	return "", false
}

// isErrorMarker matches only markers written by the runner itself, never a
// step result that happens to contain an "error" key.
func isErrorMarker(v any) bool {
	_, ok := v.(errorMarker)
	return ok
}
