package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentCopiesInitialVars(t *testing.T) {
	initial := map[string]any{"a": 1}
	env := NewEnvironment(initial)

	env.Set("a", 2)
	assert.Equal(t, 1, initial["a"], "environment must not alias the source map")

	v, ok := env.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestSubstitute(t *testing.T) {
	env := NewEnvironment(map[string]any{
		"name":  "ada",
		"count": 3,
		"flag":  true,
	})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "hello {{name}}", "hello ada"},
		{"number", "n={{count}}", "n=3"},
		{"bool", "ok={{flag}}", "ok=true"},
		{"spaces inside braces", "hello {{ name }}", "hello ada"},
		{"multiple", "{{name}}-{{count}}", "ada-3"},
		{"unknown left untouched", "hi {{missing}}", "hi {{missing}}"},
		{"no placeholders", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.Substitute(tt.input))
		})
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"int", 42, "42"},
		{"float", 1.5, "1.5"},
		{"float integral", 2.0, "2"},
		{"bool", false, "false"},
		{"list", []any{1, "a"}, `[1,"a"]`},
		{"map", map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stringify(tt.input))
		})
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	env := NewEnvironment(map[string]any{"a": 1})
	snap := env.Snapshot()
	env.Set("a", 2)
	assert.Equal(t, 1, snap["a"])
}
