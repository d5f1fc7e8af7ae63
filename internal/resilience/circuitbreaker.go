// Package resilience provides the circuit breaker and retry-with-backoff
// helpers venue adapters wrap around outbound calls, mirroring the teacher's
// infrastructure/resilience package.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker is open.
var ErrOpen = errors.New("resilience: circuit breaker open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig returns sane defaults for a venue adapter.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
	}
}

// CircuitBreaker guards a venue call: after MaxFailures consecutive
// failures it opens for Timeout, then allows HalfOpenMax trial calls before
// deciding whether to close or re-open.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	halfOpenCnt int
	openedAt    time.Time
}

// NewCircuitBreaker builds a CircuitBreaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) >= cb.cfg.Timeout {
			cb.setState(HalfOpen)
			cb.halfOpenCnt = 0
		} else {
			return ErrOpen
		}
	case HalfOpen:
		if cb.halfOpenCnt >= cb.cfg.HalfOpenMax {
			return ErrOpen
		}
	}
	if cb.state == HalfOpen {
		cb.halfOpenCnt++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state != Closed {
		cb.setState(Closed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	if cb.state == HalfOpen {
		cb.setState(Open)
		cb.openedAt = time.Now()
		return
	}
	if cb.failures >= cb.cfg.MaxFailures {
		cb.setState(Open)
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(from, to)
	}
}
