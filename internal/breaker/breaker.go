// Package breaker implements the circuit breaker that guards calls to the
// upstream availability source. The breaker tracks consecutive failures,
// opens after a configurable threshold, and probes for recovery through a
// half-open state. All state is in process memory and resets on restart.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Breaker state constants
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Status is a point-in-time snapshot of the breaker, suitable for inclusion
// in trigger responses.
type Status struct {
	State             string        `json:"state"`
	FailureCount      int           `json:"failure_count"`
	TimeUntilRecovery time.Duration `json:"-"`
	RecoverySeconds   float64       `json:"time_until_recovery_seconds"`
}

// Breaker is a single process-wide circuit breaker for one external source.
// It is safe for concurrent use.
type Breaker struct {
	mu              sync.Mutex
	state           string
	failureCount    int
	lastFailureTime time.Time

	threshold       int
	recoveryTimeout time.Duration

	logger *zap.Logger
	// Throttles OPEN-state logging so a hard-down upstream does not flood
	// the log on every poll.
	logThrottle *rate.Sometimes
}

// New creates a Breaker with the given failure threshold and recovery timeout.
// State-transition and blocked-call logs are emitted at most once per
// logInterval.
func New(threshold int, recoveryTimeout, logInterval time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		state:           StateClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		logger:          logger,
		logThrottle:     &rate.Sometimes{Interval: logInterval},
	}
}

// CanCall reports whether a call to the guarded source is currently allowed.
// When the breaker is OPEN and the recovery timeout has elapsed since the
// last failure, the breaker transitions to HALF_OPEN and permits one probe.
func (b *Breaker) CanCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.logger.Info("circuit breaker half-open, allowing probe",
				zap.Int("failure_count", b.failureCount),
			)
			return true
		}
		b.logThrottle.Do(func() {
			b.logger.Warn("circuit breaker open, blocking calls",
				zap.Int("failure_count", b.failureCount),
				zap.Duration("time_until_recovery", b.recoveryTimeout-time.Since(b.lastFailureTime)),
			)
		})
		return false
	}
	return false
}

// RecordSuccess records a successful call. In HALF_OPEN it closes the breaker
// and resets the failure count; in CLOSED it heals gradually by decrementing
// the failure count toward zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.logger.Info("circuit breaker closed after successful probe")
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure records a failed call with a short classification reason
// (e.g. "timeout", "network", "parse"). In HALF_OPEN the probe failure
// reopens the breaker; in CLOSED the breaker opens once the failure count
// reaches the threshold.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.logThrottle.Do(func() {
			b.logger.Warn("circuit breaker reopened after failed probe",
				zap.String("reason", reason),
				zap.Int("failure_count", b.failureCount),
			)
		})
	case StateClosed:
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.logThrottle.Do(func() {
				b.logger.Warn("circuit breaker opened",
					zap.String("reason", reason),
					zap.Int("failure_count", b.failureCount),
					zap.Duration("recovery_timeout", b.recoveryTimeout),
				)
			})
		}
	}
}

// Status returns a snapshot of the breaker state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	var remaining time.Duration
	if b.state == StateOpen {
		remaining = b.recoveryTimeout - time.Since(b.lastFailureTime)
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{
		State:             b.state,
		FailureCount:      b.failureCount,
		TimeUntilRecovery: remaining,
		RecoverySeconds:   remaining.Seconds(),
	}
}
