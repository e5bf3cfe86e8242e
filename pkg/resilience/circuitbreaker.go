// Package resilience holds the fault-tolerance primitives used around the
// optional external services: a circuit breaker for the Redis cache,
// exponential-backoff retry for Kafka publishing, and a deadline wrapper.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig sets when the breaker trips and how long it stays
// open. OnStateChange runs with the breaker locked and must not call back
// into it.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	OnStateChange    func(name string, from, to State)
}

// CircuitBreaker opens after FailureThreshold consecutive failures. Once
// ResetTimeout has passed it lets a single trial call through: success
// closes it, failure opens it again.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name: name,
		cfg:  cfg,
		log:  slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute calls fn unless the breaker is open, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// Current reports the breaker state.
func (cb *CircuitBreaker) Current() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if wait := cb.cfg.ResetTimeout - time.Since(cb.openedAt); wait > 0 {
			return fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
		}
		cb.transition(StateHalfOpen)
		cb.trial = true
	case StateHalfOpen:
		if cb.trial {
			return fmt.Errorf("%w: %s (trial call in flight)", ErrCircuitOpen, cb.name)
		}
		cb.trial = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
			cb.log.Info("circuit closed")
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = time.Now()
		if cb.state != StateOpen {
			cb.log.Warn("circuit opened", "consecutive_failures", cb.failures, "error", err)
		}
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}
