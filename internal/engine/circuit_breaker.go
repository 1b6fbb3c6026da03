package engine

import (
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes needed to close.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// circuitBreaker tracks failure state for a single target (model ID).
type circuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	probeInFlight        bool
	config               CircuitBreakerConfig
}

// CircuitBreakerRegistry manages one breaker per call target, protecting a
// consistently failing model from being hammered across many steps and runs.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitBreakerConfig().RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the target is allowed. It returns nil
// if allowed, or a CIRCUIT_OPEN error carrying the time remaining until the
// next probe is permitted.
func (r *CircuitBreakerRegistry) AllowRequest(target string) error {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := time.Since(cb.lastFailureTime)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.consecutiveSuccesses = 0
			cb.probeInFlight = true
			return nil
		}
		remaining := cb.config.RecoveryTimeout - elapsed
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures; next probe in %s",
			target, cb.consecutiveFailures, remaining.Round(time.Millisecond)).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": cb.consecutiveFailures,
				"retry_after":          remaining.String(),
			})

	case CircuitHalfOpen:
		if cb.probeInFlight {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: probe already in flight", target)
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call. In half-open state the circuit
// closes once SuccessThreshold consecutive successes have been observed.
func (r *CircuitBreakerRegistry) RecordSuccess(target string) {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probeInFlight = false

	if cb.state == CircuitHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.consecutiveSuccesses = 0
		}
		return
	}
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
// Any failure while half-open reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = time.Now()
	cb.probeInFlight = false

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return CircuitOpen
	}
	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}
	return cb.state
}

// State returns the current circuit state for a target, applying the
// automatic open-to-half-open transition when the cooldown has elapsed.
func (r *CircuitBreakerRegistry) State(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = CircuitHalfOpen
		cb.consecutiveSuccesses = 0
		cb.probeInFlight = false
	}
	return cb.state
}

// Stats returns diagnostic information about a breaker.
func (r *CircuitBreakerRegistry) Stats(target string) map[string]any {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"target":               target,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"recovery_timeout":     cb.config.RecoveryTimeout.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(target string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[target] = cb
	}
	return cb
}
