package engine

import (
	"context"
	"regexp"
	"time"

	"github.com/loomhq/loom/internal/eval"
	"github.com/loomhq/loom/pkg/schema"
)

// defaultLoopVar is the variable name a loop binds when loop_var is omitted.
const defaultLoopVar = "item"

// dispatch routes a step to its handler. Handlers read and mutate the run's
// execution state directly; conditional and loop handlers recurse back into
// executeStep for their bodies.
func (r *Runner) dispatch(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	switch step.Type {
	case schema.StepTypePrompt:
		return r.runPrompt(ctx, state, step)
	case schema.StepTypeTemplate:
		return r.runTemplate(ctx, state, step)
	case schema.StepTypeConditional:
		return r.runConditional(ctx, state, step)
	case schema.StepTypeLoop:
		return r.runLoop(ctx, state, step)
	case schema.StepTypeExtract:
		return r.runExtract(state, step)
	case schema.StepTypeSleep:
		return r.runSleep(ctx, step)
	case schema.StepTypeTransform:
		return r.runTransform(ctx, state, step)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

// runPrompt substitutes variables into the prompt, resolves the target model
// and invokes the model executor behind the circuit breaker for that model.
func (r *Runner) runPrompt(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	prompt := state.env.Substitute(step.Prompt)
	systemPrompt := state.env.Substitute(step.SystemPrompt)
	return r.callModel(ctx, step, prompt, systemPrompt)
}

// runTemplate renders the named template with the step's variables merged
// over the current environment, then sends the result to the model.
func (r *Runner) runTemplate(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	if r.renderer == nil {
		return nil, schema.NewError(schema.ErrCodeTemplateNotFound, "no template renderer configured")
	}

	merged := state.env.Snapshot()
	for k, v := range step.Variables {
		if s, ok := v.(string); ok {
			merged[k] = state.env.Substitute(s)
			continue
		}
		merged[k] = v
	}

	prompt, err := r.renderer.Render(step.Template, merged)
	if err != nil {
		return nil, err
	}
	systemPrompt := state.env.Substitute(step.SystemPrompt)
	return r.callModel(ctx, step, prompt, systemPrompt)
}

// callModel resolves the model id and guards the executor call with the
// per-model circuit breaker. An explicit "auto" requires a selector; an empty
// id is resolved through the selector when one is configured and otherwise
// passed to the executor as-is. Any other id goes through untouched.
func (r *Runner) callModel(ctx context.Context, step *schema.Step, prompt, systemPrompt string) (any, error) {
	model := step.Model
	if model == "auto" && r.selector == nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"model is \"auto\" but no model selector is configured")
	}
	if r.selector != nil && (model == "auto" || model == "") {
		resolved, err := r.selector(ctx, step)
		if err != nil {
			return nil, err
		}
		model = resolved
	}

	if err := r.breakers.AllowRequest(model); err != nil {
		return nil, err
	}
	response, err := r.executor.Execute(ctx, model, prompt, systemPrompt)
	if err != nil {
		r.breakers.RecordFailure(model)
		return nil, err
	}
	r.breakers.RecordSuccess(model)
	return response, nil
}

// runConditional evaluates the condition against the environment and runs
// the matching branch body. A false condition with no else branch is a
// no-op. The step's result is the branch taken.
func (r *Runner) runConditional(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	verdict, err := eval.Evaluate(step.Condition, state.env.Vars())
	if err != nil {
		return nil, err
	}

	branch := step.Then
	taken := "then"
	if !verdict {
		branch = step.Else
		taken = "else"
	}
	state.tracer.LogStep("info", "condition evaluated",
		map[string]any{"condition": step.Condition, "result": verdict, "branch": taken})

	for i := range branch {
		if err := r.executeStep(ctx, state, &branch[i]); err != nil {
			return nil, err
		}
	}
	return map[string]any{"condition": verdict, "branch": taken}, nil
}

// runLoop iterates vars[items_var], binding loop_var for each item and
// executing the body. The item list is snapshotted at loop start, so
// mutating the source variable mid-loop has no effect on iteration. The loop
// result is the ordered list of each iteration's last body result.
func (r *Runner) runLoop(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	raw, ok := state.env.Get(step.ItemsVar)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"loop items variable %q is not defined", step.ItemsVar)
	}
	items, err := asList(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"loop items variable %q is not a list (got %T)", step.ItemsVar, raw)
	}

	loopVar := step.LoopVar
	if loopVar == "" {
		loopVar = defaultLoopVar
	}
	prior, hadPrior := state.env.Get(loopVar)

	results := make([]any, 0, len(items))
	for idx, item := range items {
		state.env.Set(loopVar, item)
		state.tracer.LogStep("info", "loop iteration",
			map[string]any{"index": idx, "of": len(items)})

		iterErr := func() error {
			for i := range step.Body {
				if err := r.executeStep(ctx, state, &step.Body[i]); err != nil {
					return err
				}
			}
			return nil
		}()
		if iterErr != nil {
			if step.OnItemError == "skip" {
				state.tracer.LogStep("warning", "loop iteration failed, skipping",
					map[string]any{"index": idx, "error": iterErr.Error()})
				results = append(results, newErrorMarker(iterErr))
				continue
			}
			return nil, iterErr
		}
		results = append(results, lastBodyResult(state, step.Body))
	}

	if hadPrior {
		state.env.Set(loopVar, prior)
	} else {
		state.env.Delete(loopVar)
	}
	return results, nil
}

// lastBodyResult returns the recorded result of the last body step that ran,
// scanning backwards so trailing skipped steps do not mask a real result.
func lastBodyResult(state *executionState, body []schema.Step) any {
	for i := len(body) - 1; i >= 0; i-- {
		if res, ok := state.results[body[i].Name]; ok {
			return res
		}
	}
	return nil
}

// runExtract pulls a prior step's result and optionally applies a regular
// expression with DOTALL semantics. With capture groups the first group is
// returned, without groups the whole match, and no match yields "".
func (r *Runner) runExtract(state *executionState, step *schema.Step) (any, error) {
	source, ok := state.results[step.FromStep]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"extract source step %q has no recorded result", step.FromStep)
	}
	text := Stringify(source)

	if step.Pattern == "" {
		return text, nil
	}
	re, err := regexp.Compile("(?s)" + step.Pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"invalid extract pattern %q: %s", step.Pattern, err.Error()).WithCause(err)
	}

	match := re.FindStringSubmatch(text)
	if match == nil {
		return "", nil
	}
	if len(match) > 1 {
		return match[1], nil
	}
	return match[0], nil
}

// runSleep blocks for the configured duration, honoring cancellation.
func (r *Runner) runSleep(ctx context.Context, step *schema.Step) (any, error) {
	delay := secondsToDuration(step.Duration)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept": step.Duration}, nil
}

// runTransform evaluates the step's expression with the configured engine
// over a scope exposing the current variables and prior step results.
func (r *Runner) runTransform(ctx context.Context, state *executionState, step *schema.Step) (any, error) {
	name := step.Engine
	if name == "" {
		name = "expr"
	}
	engine, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEval,
			"expression engine %q is not registered", name)
	}
	input := map[string]any{
		"vars":    state.env.Snapshot(),
		"results": state.results,
	}
	return engine.Evaluate(ctx, step.Expression, input)
}

func asList(v any) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(items))
		for i, n := range items {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(items))
		for i, f := range items {
			out[i] = f
		}
		return out, nil
	}
	return nil, schema.NewError(schema.ErrCodeExecution, "not a list")
}
