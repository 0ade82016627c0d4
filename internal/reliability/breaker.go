package reliability

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while its
// breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State int8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// StateListener is notified after every state transition.
type StateListener func(name string, from, to State)

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker guards one external dependency. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	listeners   []StateListener
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take
// their defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnStateChange registers a transition listener. Listeners run with the
// breaker unlocked.
func (b *CircuitBreaker) OnStateChange(fn StateListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *CircuitBreaker) Name() string { return b.name }

// Allow reports whether a request may be sent. An open breaker whose
// recovery timeout has elapsed moves to half-open and lets requests through.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
		b.mu.Unlock()
		return false
	}
	b.successes = 0
	notify := b.transition(StateHalfOpen)
	b.mu.Unlock()
	notify()
	return true
}

// RecordSuccess reports a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.lastFailure = time.Time{}
			notify = b.transition(StateClosed)
		}
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure reports a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	notify := func() {}
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.successes = 0
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		notify = b.transition(StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns the current state without triggering a transition.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
	notify := b.transition(StateClosed)
	b.mu.Unlock()
	notify()
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
	}
}

// transition must be called with mu held. The returned func fires the
// listeners and must be called after unlocking.
func (b *CircuitBreaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	listeners := append([]StateListener(nil), b.listeners...)
	name := b.name
	return func() {
		slog.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		for _, fn := range listeners {
			fn(name, from, to)
		}
	}
}
