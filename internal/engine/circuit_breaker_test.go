package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	require.NoError(t, reg.AllowRequest("m1"))
	assert.Equal(t, CircuitClosed, reg.RecordFailure("m1"))
	require.NoError(t, reg.AllowRequest("m1"))
	assert.Equal(t, CircuitOpen, reg.RecordFailure("m1"))

	err := reg.AllowRequest("m1")
	require.Error(t, err)

	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, loomErr.Code)
	assert.Contains(t, loomErr.Details, "retry_after")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	reg.RecordFailure("m1")
	reg.RecordSuccess("m1")
	reg.RecordFailure("m1")

	assert.Equal(t, CircuitClosed, reg.State("m1"), "non-consecutive failures must not open the circuit")
	assert.NoError(t, reg.AllowRequest("m1"))
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	reg.RecordFailure("m1")
	reg.RecordFailure("m1")
	require.Error(t, reg.AllowRequest("m1"))

	time.Sleep(60 * time.Millisecond)

	// Cooldown elapsed: one probe is allowed, concurrent probes are not.
	require.NoError(t, reg.AllowRequest("m1"))
	assert.Equal(t, CircuitHalfOpen, reg.State("m1"))
	require.Error(t, reg.AllowRequest("m1"))

	// Two consecutive successes close the circuit.
	reg.RecordSuccess("m1")
	assert.Equal(t, CircuitHalfOpen, reg.State("m1"))
	require.NoError(t, reg.AllowRequest("m1"))
	reg.RecordSuccess("m1")
	assert.Equal(t, CircuitClosed, reg.State("m1"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	reg.RecordFailure("m1")
	reg.RecordFailure("m1")
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, reg.AllowRequest("m1"))
	assert.Equal(t, CircuitOpen, reg.RecordFailure("m1"), "any half-open failure reopens immediately")
	require.Error(t, reg.AllowRequest("m1"))
}

func TestBreakerTargetsAreIndependent(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	reg.RecordFailure("m1")
	reg.RecordFailure("m1")

	require.Error(t, reg.AllowRequest("m1"))
	require.NoError(t, reg.AllowRequest("m2"))
}
