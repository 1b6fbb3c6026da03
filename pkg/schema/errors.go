package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDependencyUnmet  = "DEPENDENCY_UNMET"
	ErrCodeEval             = "EVAL_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeStepFailed       = "STEP_FAILED"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
)

// LoomError is the structured error type for all engine operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an error with this code should be re-attempted.
// Validation defects, unmet dependencies, malformed conditions, and missing
// templates never succeed on a blind retry. Circuit-open rejections stay
// retryable: the breaker fails fast, but a step's own retry policy may probe
// again once the recovery window has elapsed.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeDependencyUnmet, ErrCodeEval,
		ErrCodeTemplateNotFound, ErrCodeCancelled:
		return false
	default:
		return true
	}
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *LoomError) WithStep(step string) *LoomError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}
