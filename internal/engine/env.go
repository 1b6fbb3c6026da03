package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Environment is the mutable string-keyed variable store shared across one
// workflow run. It is owned by a single Runner instance and must not be
// shared between concurrent runs.
type Environment struct {
	vars map[string]any
}

// NewEnvironment creates an Environment seeded with a copy of initial.
func NewEnvironment(initial map[string]any) *Environment {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Environment{vars: vars}
}

// Get returns the current value of a variable.
func (e *Environment) Get(name string) (any, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Set binds a variable, overwriting any previous value.
func (e *Environment) Set(name string, value any) {
	e.vars[name] = value
}

// Delete removes a variable binding.
func (e *Environment) Delete(name string) {
	delete(e.vars, name)
}

// Vars returns the live variable map. Callers must not retain it across
// steps; handlers read it only for the duration of one dispatch.
func (e *Environment) Vars() map[string]any {
	return e.vars
}

// Snapshot returns a shallow copy of the current variables.
func (e *Environment) Snapshot() map[string]any {
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Substitute replaces every {{name}} placeholder with the stringified current
// value of that variable. Placeholders referencing unknown variables are left
// untouched so the gap is visible in the rendered prompt.
func (e *Environment) Substitute(s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := e.vars[name]
		if !ok {
			return match
		}
		return Stringify(val)
	})
}

// Stringify renders a variable value for prompt substitution and extraction.
// Scalars use their natural text form; composite values are JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
