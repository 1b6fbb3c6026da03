package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Operation is a unit of retryable work. Implementations must respect ctx.
type Operation func(ctx context.Context) (any, error)

// OnRetry is invoked before each backoff sleep with the number of the attempt
// that just failed, the delay about to be applied, and the attempt's error.
type OnRetry func(attempt int, delay time.Duration, err error)

// IsRetryableError classifies whether an error should be retried.
// LoomErrors carry their own classification; context cancellation means the
// run is shutting down and is never retried; an attempt deadline is a
// retryable timeout. Unknown errors default to retryable and let the policy
// bound the attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		return loomErr.IsRetryable()
	}
	return true
}

// RunWithRetry executes op under the given policy: up to MaxAttempts tries,
// each bounded by the policy's per-attempt timeout, with backoff between
// attempts. The error from the final attempt is returned unchanged so callers
// can match on the root cause. The returned int is the number of retries
// performed (attempts minus one).
//
// A nil policy means a single unbounded attempt.
func RunWithRetry(ctx context.Context, policy *schema.RetryPolicy, onRetry OnRetry, op Operation) (any, int, error) {
	if policy == nil {
		out, err := op(ctx)
		return out, 0, err
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := runAttempt(ctx, policy, op)
		if err == nil {
			return out, attempt - 1, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Workflow-level cancellation or deadline: stop retrying.
			return nil, attempt - 1, lastErr
		}
		if !IsRetryableError(err) || attempt == maxAttempts {
			return nil, attempt - 1, lastErr
		}

		delay := ComputeBackoff(policy, attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			return nil, attempt - 1, lastErr
		}
	}
	return nil, maxAttempts - 1, lastErr
}

// runAttempt executes one attempt, bounded by the policy's per-attempt
// timeout when set. An attempt that exceeds its deadline is reported as a
// retryable TIMEOUT_ERROR, never as a success.
func runAttempt(ctx context.Context, policy *schema.RetryPolicy, op Operation) (any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(policy.Timeout)*time.Second)
		defer cancel()
	}

	out, err := op(attemptCtx)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"attempt exceeded %ds timeout", policy.Timeout).WithCause(err)
		}
		return nil, err
	}
	return out, nil
}

// ComputeBackoff calculates the delay applied after failed attempt n
// (1-indexed): fixed keeps the initial delay, linear scales it by n,
// exponential doubles it per attempt. All strategies are capped at MaxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	initial := secondsToDuration(policy.InitialDelay)

	var delay time.Duration
	switch policy.Backoff {
	case "linear":
		delay = initial * time.Duration(attempt)
	case "exponential":
		delay = initial
		for i := 1; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= secondsToDuration(policy.MaxDelay) {
				break
			}
		}
	default: // "fixed" or unset
		delay = initial
	}

	if policy.MaxDelay > 0 {
		if maxDelay := secondsToDuration(policy.MaxDelay); delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
