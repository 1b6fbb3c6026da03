package validation

import "github.com/loomhq/loom/pkg/schema"

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (required fields per kind, name uniqueness, references, bounds)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic analysis assumes a well-formed
// document tree.
func (wv *WorkflowValidator) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := wv.jsonSchema.ValidateDocument(doc)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(doc))
	return result
}

// ValidateDocument runs Validate and folds the result into a single error,
// or nil when the document is valid.
func (wv *WorkflowValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	return wv.Validate(doc).ToError()
}
