package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoomErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeStepFailed, "model call failed").
		WithStep("ask").
		WithCause(cause).
		WithDetails(map[string]any{"model": "gpt-test"})

	assert.Contains(t, err.Error(), "STEP_FAILED")
	assert.Contains(t, err.Error(), "model call failed")
	assert.Equal(t, "ask", err.Step)
	assert.True(t, errors.Is(err, cause))

	var loomErr *LoomError
	require.ErrorAs(t, error(err), &loomErr)
	assert.Equal(t, "gpt-test", loomErr.Details["model"])
}

func TestLoomErrorRetryability(t *testing.T) {
	retryable := []string{ErrCodeStepFailed, ErrCodeTimeout, ErrCodeExecution, ErrCodeCircuitOpen, ErrCodeStore}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}

	permanent := []string{ErrCodeValidation, ErrCodeDependencyUnmet, ErrCodeEval, ErrCodeTemplateNotFound, ErrCodeCancelled}
	for _, code := range permanent {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}
