package webhook

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// circuitState is the state of a circuitBreaker.
type circuitState int

const (
	// stateClosed allows all requests
	stateClosed circuitState = iota
	// stateOpen blocks requests until the cooldown elapsed
	stateOpen
	// stateHalfOpen tests whether the endpoint recovered; one failure reopens it
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	default:
		return "half_open"
	}
}

// circuitBreaker stops deliveries to an endpoint after consecutive failed
// batches. It outlives streams, so a failing endpoint halts the next window
// immediately instead of retrying every batch again.
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	state    circuitState
	failures int
	retryAt  time.Time
	now      func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration, log *zap.Logger) *circuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		log:       log.With(zap.String("component", "circuit_breaker")),
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. It returns the time the
// breaker admits a probe again when it does not.
func (cb *circuitBreaker) Allow() (bool, time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != stateOpen {
		return true, time.Time{}
	}
	if cb.now().Before(cb.retryAt) {
		return false, cb.retryAt
	}
	cb.state = stateHalfOpen
	cb.log.Info("circuit breaker half-open")
	return true, time.Time{}
}

// RecordSuccess closes the breaker.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != stateClosed {
		cb.log.Info("circuit breaker closed")
	}
	cb.state = stateClosed
	cb.failures = 0
}

// RecordFailure opens the breaker after threshold consecutive failures, or
// on any failed probe.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
		cb.retryAt = cb.now().Add(cb.cooldown)
		cb.log.Warn("circuit breaker opened",
			zap.Time("retry_after", cb.retryAt),
			zap.Int("consecutive_failures", cb.failures))
	}
}

// State returns the current state.
func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
