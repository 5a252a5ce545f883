package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State of a CircuitBreaker.
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

// ErrCircuitOpen is returned by Execute without calling the function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker. Zero values select the
// defaults of DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// HalfOpenMaxCalls probes must succeed to close the breaker again.
	HalfOpenMaxCalls int
	// IsFailure classifies results. Nil counts every non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(name string, from, to State)
	Clock         clock.Clock
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{Name: name, MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// CircuitBreaker fails fast while a backend keeps failing. After Timeout a
// limited number of probe calls decide whether it closes or opens again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // admitted while half-open
	passed   int // succeeded while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker is open and records its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(cb.cfg.IsFailure(err))
	return err
}

// State reports the current state. An open breaker whose timeout passed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from, to := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	from, to := cb.refreshLocked()
	ok := true
	switch cb.state {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		ok = cb.probes < cb.cfg.HalfOpenMaxCalls
		if ok {
			cb.probes++
		}
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return ok
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case failed && cb.state == StateHalfOpen:
		cb.setLocked(StateOpen)
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.setLocked(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMaxCalls {
			cb.setLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) refreshLocked() (from, to State) {
	from = cb.state
	if cb.state == StateOpen && cb.cfg.Clock.Since(cb.openedAt) >= cb.cfg.Timeout {
		cb.setLocked(StateHalfOpen)
	}
	return from, cb.state
}

func (cb *CircuitBreaker) setLocked(s State) {
	cb.state = s
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	if s == StateOpen {
		cb.openedAt = cb.cfg.Clock.Now()
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
