// Package resilience isolates failing network responders.
//
// Revocation and timestamp lookups fan out to OCSP responders, CRL
// distribution points, AIA issuers and timestamp authorities that are
// often slow or down. A CircuitBreaker per host stops a dead responder from
// costing every certificate in a chain its full timeout.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // requests flow
	StateOpen                         // requests fail fast
	StateHalfOpen                     // a probe request is allowed
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned while a breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint

	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration

	// MaxHalfOpenRequests bounds concurrent probes.
	MaxHalfOpenRequests uint
}

// DefaultCircuitBreakerConfig opens after three failures for thirty seconds.
// Responders are consulted once per certificate, so the threshold is low.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker is a three-state breaker. It is safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	// onStateChange runs with the lock held; it must not call back into the breaker.
	onStateChange func(from, to CircuitState)

	mu             sync.Mutex
	state          CircuitState
	failures       uint
	openedAt       time.Time
	lastFailure    time.Time
	halfOpenActive uint
	totalFailures  uint64
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 1
	}
	if config.MaxHalfOpenRequests == 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state. An open breaker whose timeout elapsed
// still reports Open until the next CanExecute.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if to == StateHalfOpen {
		cb.halfOpenActive = 0
	}
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// CanExecute reserves a request slot or returns ErrCircuitOpen. Every nil
// return must be followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenActive >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenActive++
	}
	return nil
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
	cb.failures = 0
	cb.setState(StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.totalFailures++

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenActive > 0 {
			cb.halfOpenActive--
		}
		cb.setState(StateOpen)
	}
}

// release returns a reserved slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenActive = 0
	cb.setState(StateClosed)
	cb.failures = 0
}

// CircuitBreakerStats is a snapshot of a breaker.
type CircuitBreakerStats struct {
	State          CircuitState
	Failures       uint
	TotalFailures  uint64
	LastFailure    time.Time
	HalfOpenActive uint
}

// Stats returns a snapshot.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:          cb.state,
		Failures:       cb.failures,
		TotalFailures:  cb.totalFailures,
		LastFailure:    cb.lastFailure,
		HalfOpenActive: cb.halfOpenActive,
	}
}
