package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func scope() map[string]any {
	return map[string]any{
		"vars": map[string]any{
			"count": 3,
			"tags":  []any{"a", "b", "c"},
		},
		"results": map[string]any{
			"fetch": map[string]any{"total": 10},
		},
	}
}

func TestExprEngine(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"arithmetic over vars", "vars.count * 2", 6},
		{"array length", "len(vars.tags)", 3},
		{"filter and map", `map(filter(vars.tags, # != "b"), upper(#))`, []any{"A", "C"}},
		{"reach into results", "results.fetch.total + vars.count", 13},
		{"undefined resolves to nil", "missing == nil", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expression, scope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "vars.count +", scope())
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeEval, loomErr.Code)
}

func TestCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `vars.count > 2 && "a" in vars.tags`, scope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `size(vars.tags)`, scope())
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestCELEngineMissingScopeKeysDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(results) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestJQEngine(t *testing.T) {
	e := NewJQEngine()
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"field access", ".results.fetch.total", 10.0},
		{"reshape", "{n: .vars.count}", map[string]any{"n": 3.0}},
		{"multiple outputs collect", ".vars.tags[]", []any{"a", "b", "c"}},
		{"no output is nil", ".vars.tags[] | select(. == \"z\")", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expression, scope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestJQEngineParseError(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), ".[broken", scope())
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeEval, loomErr.Code)
}

func TestJQEngineBlocksEnvironment(t *testing.T) {
	t.Setenv("LOOM_TEST_SECRET", "leak")
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV.LOOM_TEST_SECRET`, scope())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDefaultRegistersAllEngines(t *testing.T) {
	engines, err := Default()
	require.NoError(t, err)
	require.Len(t, engines, 3)

	names := map[string]bool{}
	for _, e := range engines {
		names[e.Name()] = true
	}
	assert.True(t, names["expr"] && names["cel"] && names["jq"])
}
