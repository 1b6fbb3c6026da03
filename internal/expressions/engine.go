// Package expressions provides the engines available to transform steps.
// Three implementations: expr (general logic), cel (sandboxed conditions),
// jq (JSON reshaping). Each evaluates an expression against a scope exposing
// the run's variables and prior step results.
package expressions

import "context"

// Engine evaluates a transform expression against an input scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, input map[string]any) (any, error)
}

// Default returns the three stock engines.
func Default() ([]Engine, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Engine{NewExprEngine(), celEngine, NewJQEngine()}, nil
}
