package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen rejects cache operations while the breaker cools down
// after repeated backend failures.
var ErrCircuitOpen = errors.New("cache circuit open")

// State is the breaker position. The numeric values feed the Prometheus
// gauge directly: 0 closed, 1 open, 2 half-open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker guards the Redis write path. threshold consecutive
// failures open it; once the cooldown elapses a single probe call is let
// through, and its outcome decides between closing again and another
// cooldown round. The cooldown clock restarts on every failure.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	// OnStateChange, when set, observes every transition. Called with the
	// breaker lock held; keep it cheap.
	OnStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	failedAt time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Execute runs fn unless the breaker is open, feeding the outcome back
// into the breaker. Returns ErrCircuitOpen without calling fn while the
// cooldown is still running.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// CurrentState reports the position without admitting anything.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if time.Since(cb.failedAt) <= cb.cooldown {
			return ErrCircuitOpen
		}
		cb.shift(StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state == StateHalfOpen {
			cb.shift(StateClosed)
		}
		cb.failures = 0
		return
	}
	cb.failures++
	cb.failedAt = time.Now()
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.shift(StateOpen)
	}
}

func (cb *CircuitBreaker) shift(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
