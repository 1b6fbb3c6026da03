package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomhq/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow document validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loom.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "variables": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["prompt", "template", "conditional", "loop", "extract", "sleep", "transform"]
        },
        "prompt": { "type": "string" },
        "system_prompt": { "type": "string" },
        "template": { "type": "string" },
        "variables": { "type": "object" },
        "model": { "type": "string" },
        "condition": { "type": "string" },
        "then": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "else": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "items_var": { "type": "string" },
        "loop_var": { "type": "string" },
        "body": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "on_item_error": {
          "type": "string",
          "enum": ["abort", "skip"]
        },
        "from_step": { "type": "string" },
        "pattern": { "type": "string" },
        "duration": {
          "type": "number",
          "minimum": 0
        },
        "expression": { "type": "string" },
        "engine": {
          "type": "string",
          "enum": ["expr", "cel", "jq"]
        },
        "output_var": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "timeout": {
          "type": "integer",
          "minimum": 1,
          "maximum": 3600
        },
        "retry": { "$ref": "#/$defs/retry" },
        "on_error": {
          "type": "string",
          "enum": ["continue"]
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1,
          "maximum": 10
        },
        "initial_delay": {
          "type": "number",
          "minimum": 0
        },
        "max_delay": {
          "type": "number",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["fixed", "linear", "exponential"]
        },
        "timeout": {
          "type": "integer",
          "minimum": 1,
          "maximum": 3600
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow documents against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loom.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loom.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDocument checks a parsed document against the workflow schema and
// appends one issue per violation.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow document is nil")
		return result
	}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow document: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, violation := range collectViolations(verr) {
			result.AddError(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
