// Package eval implements the restricted boolean condition language used by
// conditional workflow steps. Only literals, variable references, the
// comparison tier (>=, <=, !=, ==, >, <, in, contains), and the connectives
// or/and/not with parentheses are legal; there is no function call syntax and
// no arbitrary code execution.
package eval

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// Evaluate parses the condition and evaluates it against the variable
// environment. A condition that does not reduce to a boolean, or that
// references an unknown variable, is an EVAL_ERROR naming the offending
// fragment, never a silent default.
func Evaluate(condition string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return false, schema.NewError(schema.ErrCodeEval, "empty condition")
	}

	root, err := parse(condition)
	if err != nil {
		return false, err
	}

	val, err := evalNode(root, vars)
	if err != nil {
		return false, err
	}

	b, ok := val.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEval,
			"condition %q did not reduce to a boolean (got %s)", condition, typeName(val))
	}
	return b, nil
}

func evalNode(n node, vars map[string]any) (any, error) {
	switch nd := n.(type) {
	case *orNode:
		for _, term := range nd.terms {
			b, err := evalBool(term, vars)
			if err != nil {
				return nil, err
			}
			if b {
				return true, nil
			}
		}
		return false, nil

	case *andNode:
		for _, term := range nd.terms {
			b, err := evalBool(term, vars)
			if err != nil {
				return nil, err
			}
			if !b {
				return false, nil
			}
		}
		return true, nil

	case *notNode:
		b, err := evalBool(nd.child, vars)
		if err != nil {
			return nil, err
		}
		return !b, nil

	case *cmpNode:
		return evalComparison(nd, vars)

	case *litNode:
		return nd.val, nil

	case *identNode:
		val, ok := vars[nd.name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"undefined variable %q in condition", nd.frag)
		}
		return normalize(val), nil

	case *listNode:
		elems := make([]any, 0, len(nd.elems))
		for _, el := range nd.elems {
			v, err := evalNode(el, vars)
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
		return elems, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeEval, "internal: unknown node %T", n)
}

func evalBool(n node, vars map[string]any) (bool, error) {
	val, err := evalNode(n, vars)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEval,
			"operand %s is not a boolean", describe(n, val))
	}
	return b, nil
}

func evalComparison(c *cmpNode, vars map[string]any) (any, error) {
	left, err := evalNode(c.left, vars)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(c.right, vars)
	if err != nil {
		return nil, err
	}

	switch c.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case ">", "<", ">=", "<=":
		return evalOrdering(c.op, left, right)
	case "in":
		return evalIn(left, right)
	case "contains":
		return evalContains(left, right)
	}
	return nil, schema.NewErrorf(schema.ErrCodeEval, "internal: unknown operator %q", c.op)
}

func evalOrdering(op string, left, right any) (any, error) {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		switch op {
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeEval,
		"operator %q cannot compare %s with %s", op, typeName(left), typeName(right))
}

// evalIn implements membership: right side must be a list or a string.
func evalIn(left, right any) (any, error) {
	switch r := right.(type) {
	case []any:
		for _, el := range r {
			if looseEqual(left, el) {
				return true, nil
			}
		}
		return false, nil
	case string:
		ls, ok := left.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"'in' with string right side requires a string left side, got %s", typeName(left))
		}
		return strings.Contains(r, ls), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeEval,
		"'in' requires a list or string right side, got %s", typeName(right))
}

// evalContains implements substring test: both sides must be strings.
func evalContains(left, right any) (any, error) {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return nil, schema.NewErrorf(schema.ErrCodeEval,
			"'contains' requires string operands, got %s and %s", typeName(left), typeName(right))
	}
	return strings.Contains(ls, rs), nil
}

// looseEqual compares two values: numbers numerically regardless of int/float
// representation, everything else by type and value.
func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// asNumber converts any numeric representation to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// normalize folds run-state values into the evaluator's canonical forms.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, el := range n {
			out[i] = normalize(el)
		}
		return out
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64, float32, float64:
		return "number"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

func describe(n node, val any) string {
	switch nd := n.(type) {
	case *identNode:
		return fmt.Sprintf("%q (value %v)", nd.frag, val)
	case *litNode:
		return fmt.Sprintf("%v", nd.val)
	}
	return fmt.Sprintf("of type %s", typeName(val))
}
