package resilience

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/willibrandon/nusign/observability"
)

// ResponderBreakers keeps one CircuitBreaker per responder host.
type ResponderBreakers struct {
	config CircuitBreakerConfig
	now    func() time.Time
	logger observability.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewResponderBreakers returns an empty set. logger may be nil.
func NewResponderBreakers(config CircuitBreakerConfig, logger observability.Logger) *ResponderBreakers {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &ResponderBreakers{
		config:   config,
		now:      time.Now,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *ResponderBreakers) breaker(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[host]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.config)
	cb.now = r.now
	cb.onStateChange = func(from, to CircuitState) {
		observability.CircuitBreakerState.WithLabelValues(host).Set(float64(to))
		r.logger.Warn("Responder {Host} circuit {From} -> {To}", host, from.String(), to.String())
	}
	r.breakers[host] = cb
	return cb
}

// Operation performs one request against a responder.
type Operation func(ctx context.Context) (*http.Response, error)

// Execute runs op unless the host's circuit is open. Transport errors and
// 5xx responses count as failures; the response is returned either way.
func (r *ResponderBreakers) Execute(ctx context.Context, host string, op Operation) (*http.Response, error) {
	cb := r.breaker(host)
	if err := cb.CanExecute(); err != nil {
		return nil, fmt.Errorf("responder %s: %w", host, err)
	}

	resp, err := op(ctx)
	switch {
	case err != nil:
		// A cancelled caller says nothing about the responder.
		if ctx.Err() != nil {
			cb.release()
			return nil, err
		}
		observability.CircuitBreakerFailures.WithLabelValues(host).Inc()
		cb.RecordFailure()
		return nil, err
	case resp.StatusCode >= http.StatusInternalServerError:
		observability.CircuitBreakerFailures.WithLabelValues(host).Inc()
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return resp, nil
}

// State returns the circuit state of host; unknown hosts are Closed.
func (r *ResponderBreakers) State(host string) CircuitState {
	r.mu.Lock()
	cb, ok := r.breakers[host]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Stats returns a snapshot per known host.
func (r *ResponderBreakers) Stats() map[string]CircuitBreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make(map[string]CircuitBreakerStats, len(r.breakers))
	for host, cb := range r.breakers {
		stats[host] = cb.Stats()
	}
	return stats
}

// Reset closes every circuit.
func (r *ResponderBreakers) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
