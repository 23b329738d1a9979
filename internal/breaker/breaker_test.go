package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestBreaker(threshold int, recovery time.Duration) *Breaker {
	return New(threshold, recovery, time.Minute, zap.NewNop())
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(5, 300*time.Second)

	assert.True(t, b.CanCall())
	st := b.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(5, 300*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure("network")
		assert.Equal(t, StateClosed, b.Status().State, "failure %d should not open", i+1)
	}

	b.RecordFailure("network")
	st := b.Status()
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 5, st.FailureCount)
	assert.False(t, b.CanCall())
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	require.Equal(t, StateOpen, b.Status().State)
	require.False(t, b.CanCall())

	time.Sleep(60 * time.Millisecond)

	// First evaluation after the timeout transitions to HALF_OPEN and allows
	// exactly one probe.
	assert.True(t, b.CanCall())
	assert.Equal(t, StateHalfOpen, b.Status().State)
}

func TestBreaker_SuccessInHalfOpenCloses(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.CanCall())

	b.RecordSuccess()
	st := b.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)
	assert.True(t, b.CanCall())
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.CanCall())

	b.RecordFailure("timeout")
	assert.Equal(t, StateOpen, b.Status().State)
	assert.False(t, b.CanCall())
}

func TestBreaker_GradualHealingWhileClosed(t *testing.T) {
	b := newTestBreaker(5, 300*time.Second)

	b.RecordFailure("network")
	b.RecordFailure("network")
	b.RecordFailure("network")
	require.Equal(t, 3, b.Status().FailureCount)

	// A success while CLOSED decrements the streak instead of resetting it.
	b.RecordSuccess()
	assert.Equal(t, 2, b.Status().FailureCount)
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Status().FailureCount)

	// A success at zero stays at zero.
	b.RecordSuccess()
	assert.Equal(t, 0, b.Status().FailureCount)
}

func TestBreaker_BlockedCallLoggingIsThrottled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := New(1, time.Hour, time.Minute, zap.New(core))

	b.RecordFailure("network")
	require.Equal(t, StateOpen, b.Status().State)

	// A hard-down upstream hits CanCall on every poll. The transition warning
	// and blocked-call warnings share one throttle, so within a single log
	// interval exactly one warning is emitted in total.
	for i := 0; i < 10; i++ {
		assert.False(t, b.CanCall())
	}
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker opened").Len())
}

func TestBreaker_StatusReportsRecoveryCountdown(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	b.RecordFailure("network")
	st := b.Status()
	require.Equal(t, StateOpen, st.State)
	assert.Greater(t, st.TimeUntilRecovery, 59*time.Minute)
	assert.Greater(t, st.RecoverySeconds, float64(0))
}
