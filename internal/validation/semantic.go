package validation

import (
	"fmt"
	"regexp"

	"github.com/loomhq/loom/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow document.
// Checks: unique step names across the whole tree, per-kind required fields,
// numeric bounds, depends_on references, and recursive validation of
// conditional and loop bodies. All violations are collected, never raised
// one at a time.
func validateSemantic(doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(doc.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow must declare at least one step")
		return result
	}

	seen := map[string]string{} // step name -> path of first occurrence
	collectNames(doc.Steps, "steps", seen, result)

	// depends_on may reference any step in the document, including nested
	// ones, since nested steps also record results under their name.
	for i := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&doc.Steps[i], path, seen, result)
	}
	return result
}

// collectNames registers every step name in the tree, flagging duplicates.
func collectNames(steps []schema.Step, path string, seen map[string]string, result *schema.ValidationResult) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if step.Name != "" {
			if first, dup := seen[step.Name]; dup {
				result.AddError(stepPath+".name", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate step name %q (first used at %s)", step.Name, first))
			} else {
				seen[step.Name] = stepPath
			}
		}
		collectNames(step.Then, stepPath+".then", seen, result)
		collectNames(step.Else, stepPath+".else", seen, result)
		collectNames(step.Body, stepPath+".body", seen, result)
	}
}

func validateStep(step *schema.Step, path string, names map[string]string, result *schema.ValidationResult) {
	if step.Name == "" {
		result.AddError(path+".name", schema.ErrCodeValidation, "step name is required")
	}
	if !schema.KnownStepTypes[step.Type] {
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", step.Type))
		return
	}

	switch step.Type {
	case schema.StepTypePrompt:
		if step.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, "prompt step requires prompt text")
		}
	case schema.StepTypeTemplate:
		if step.Template == "" {
			result.AddError(path+".template", schema.ErrCodeValidation, "template step requires a template id")
		}
	case schema.StepTypeConditional:
		if step.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation, "conditional step requires a condition")
		}
		if len(step.Then) == 0 {
			result.AddError(path+".then", schema.ErrCodeValidation, "conditional step requires a then branch")
		}
		validateBody(step.Then, path+".then", names, result)
		validateBody(step.Else, path+".else", names, result)
	case schema.StepTypeLoop:
		if step.ItemsVar == "" {
			result.AddError(path+".items_var", schema.ErrCodeValidation, "loop step requires items_var")
		}
		if len(step.Body) == 0 {
			result.AddError(path+".body", schema.ErrCodeValidation, "loop step requires a non-empty body")
		}
		validateBody(step.Body, path+".body", names, result)
	case schema.StepTypeExtract:
		if step.FromStep == "" {
			result.AddError(path+".from_step", schema.ErrCodeValidation, "extract step requires from_step")
		} else if _, ok := names[step.FromStep]; !ok {
			result.AddError(path+".from_step", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", step.FromStep))
		}
		if step.Pattern != "" {
			if _, err := regexp.Compile("(?s)" + step.Pattern); err != nil {
				result.AddError(path+".pattern", schema.ErrCodeValidation,
					fmt.Sprintf("invalid pattern: %s", err.Error()))
			}
		}
	case schema.StepTypeSleep:
		if step.Duration <= 0 {
			result.AddError(path+".duration", schema.ErrCodeValidation, "sleep step requires a positive duration")
		}
	case schema.StepTypeTransform:
		if step.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation, "transform step requires an expression")
		}
		if step.Engine != "" && step.Engine != "expr" && step.Engine != "cel" && step.Engine != "jq" {
			result.AddError(path+".engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown engine %q", step.Engine))
		}
	}

	for j, dep := range step.DependsOn {
		if _, ok := names[dep]; !ok {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
		if dep == step.Name {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeValidation,
				"step cannot depend on itself")
		}
	}

	if step.Timeout != 0 && (step.Timeout < 1 || step.Timeout > 3600) {
		result.AddError(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("timeout must be between 1 and 3600 seconds, got %d", step.Timeout))
	}

	if step.Retry != nil {
		validateRetry(step.Retry, path+".retry", result)
	}
}

func validateBody(steps []schema.Step, path string, names map[string]string, result *schema.ValidationResult) {
	for i := range steps {
		validateStep(&steps[i], fmt.Sprintf("%s[%d]", path, i), names, result)
	}
}

func validateRetry(retry *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if retry.MaxAttempts < 1 || retry.MaxAttempts > 10 {
		result.AddError(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("max_attempts must be between 1 and 10, got %d", retry.MaxAttempts))
	}
	if retry.InitialDelay < 0 {
		result.AddError(path+".initial_delay", schema.ErrCodeValidation, "initial_delay cannot be negative")
	}
	if retry.MaxDelay < 0 {
		result.AddError(path+".max_delay", schema.ErrCodeValidation, "max_delay cannot be negative")
	}
	if retry.MaxDelay > 0 && retry.InitialDelay > retry.MaxDelay {
		result.AddError(path+".initial_delay", schema.ErrCodeValidation,
			fmt.Sprintf("initial_delay (%v) exceeds max_delay (%v)", retry.InitialDelay, retry.MaxDelay))
	}
	if retry.Backoff != "" && !schema.BackoffStrategies[retry.Backoff] {
		result.AddError(path+".backoff", schema.ErrCodeValidation,
			fmt.Sprintf("unknown backoff strategy %q", retry.Backoff))
	}
	if retry.Timeout != 0 && (retry.Timeout < 1 || retry.Timeout > 3600) {
		result.AddError(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("timeout must be between 1 and 3600 seconds, got %d", retry.Timeout))
	}
	if retry.MaxAttempts > 5 && retry.Backoff == "exponential" && retry.MaxDelay == 0 {
		result.AddWarning(path+".max_delay", schema.ErrCodeValidation,
			"exponential backoff without max_delay may produce very long waits")
	}
}
