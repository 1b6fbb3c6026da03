package schema

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowDocument is the parsed YAML workflow definition.
// It is immutable once loaded; each run copies Variables into its own environment.
type WorkflowDocument struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
}

// Step describes a single unit of work. The Type tag selects which of the
// kind-specific field groups is meaningful; the Validator enforces that the
// required fields for the declared kind are present.
type Step struct {
	Name      string   `yaml:"name" json:"name"`
	Type      StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// prompt / template
	Prompt       string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	SystemPrompt string         `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Template     string         `yaml:"template,omitempty" json:"template,omitempty"`
	Variables    map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Model        string         `yaml:"model,omitempty" json:"model,omitempty"`

	// conditional
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []Step `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []Step `yaml:"else,omitempty" json:"else,omitempty"`

	// loop
	ItemsVar    string `yaml:"items_var,omitempty" json:"items_var,omitempty"`
	LoopVar     string `yaml:"loop_var,omitempty" json:"loop_var,omitempty"`
	Body        []Step `yaml:"body,omitempty" json:"body,omitempty"`
	OnItemError string `yaml:"on_item_error,omitempty" json:"on_item_error,omitempty"` // abort (default) | skip

	// extract
	FromStep string `yaml:"from_step,omitempty" json:"from_step,omitempty"`
	Pattern  string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// sleep
	Duration float64 `yaml:"duration,omitempty" json:"duration,omitempty"` // seconds

	// transform
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Engine     string `yaml:"engine,omitempty" json:"engine,omitempty"` // expr (default) | cel | jq

	// common execution controls
	OutputVar string       `yaml:"output_var,omitempty" json:"output_var,omitempty"`
	Timeout   int          `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds, 1-3600
	Retry     *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnError   string       `yaml:"on_error,omitempty" json:"on_error,omitempty"` // "continue" or empty (fail fast)
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypePrompt      StepType = "prompt"
	StepTypeTemplate    StepType = "template"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeExtract     StepType = "extract"
	StepTypeSleep       StepType = "sleep"
	StepTypeTransform   StepType = "transform"
)

// KnownStepTypes is the set of recognized step type tags.
var KnownStepTypes = map[StepType]bool{
	StepTypePrompt:      true,
	StepTypeTemplate:    true,
	StepTypeConditional: true,
	StepTypeLoop:        true,
	StepTypeExtract:     true,
	StepTypeSleep:       true,
	StepTypeTransform:   true,
}

// RetryPolicy configures retry behavior for a step.
// InitialDelay and MaxDelay are in seconds; Timeout bounds each attempt.
type RetryPolicy struct {
	MaxAttempts  int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay float64 `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     float64 `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Backoff      string  `yaml:"backoff,omitempty" json:"backoff,omitempty"` // fixed | linear | exponential
	Timeout      int     `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds per attempt
}

// BackoffStrategies is the set of recognized backoff strategy names.
var BackoffStrategies = map[string]bool{
	"fixed":       true,
	"linear":      true,
	"exponential": true,
}

// WorkflowStatus is the lifecycle state of one workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// StepStatus is the execution state of one step within a run.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ParseDocument parses YAML bytes into a WorkflowDocument.
// Unknown top-level or step keys are rejected so a typo fails loudly instead
// of silently producing a step with missing configuration.
func ParseDocument(data []byte) (*WorkflowDocument, error) {
	var doc WorkflowDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse workflow document: %s", err.Error()).WithCause(err)
	}
	return &doc, nil
}

// AsMap re-decodes YAML bytes into a generic map for JSON Schema validation.
func AsMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	return m, nil
}
