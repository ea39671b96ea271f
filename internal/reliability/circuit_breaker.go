package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// StateChangeFunc adapts a function to StateChangeListener
type StateChangeFunc func(name string, from, to State)

// OnStateChange implements StateChangeListener
func (f StateChangeFunc) OnStateChange(name string, from, to State) {
	f(name, from, to)
}

// CircuitBreaker guards calls to one dependency. State is process local and
// never persisted.
//
// CLOSED counts consecutive failures and opens at failureThreshold. OPEN
// rejects every call until timeout has passed since the last failure; the
// move to HALF_OPEN happens lazily on the next state query. HALF_OPEN admits
// at most halfOpenRequests concurrent trial calls, closes after
// successThreshold consecutive successes and re-opens on any failure.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	inFlightTrials  int

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	isFailure        func(error) bool
	now              func() time.Time

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithName sets the name of the guarded dependency
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the consecutive half-open successes that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open after the last failure
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests bounds concurrent trial calls while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithFailurePredicate decides which errors count against the circuit
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, listener)
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          60 * time.Second,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	if cb.halfOpenRequests <= 0 {
		cb.halfOpenRequests = cb.successThreshold
	}
	if cb.isFailure == nil {
		cb.isFailure = countsAsFailure
	}
	return cb
}

// countsAsFailure ignores caller cancellation, it says nothing about the dependency
func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the guarded dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit rejects the call
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(err, trial)
	return err
}

// ExecuteValue runs fn with circuit protection and returns its value
func ExecuteValue[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// State returns the current state, moving OPEN to HALF_OPEN once the timeout has passed
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Snapshot reports the counters behind the current state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset closes the circuit and clears every counter
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.inFlightTrials = 0
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// advance must be called with cb.mu held
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) > cb.timeout {
		cb.transition(StateHalfOpen)
		cb.successCount = 0
		cb.inFlightTrials = 0
	}
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		return false, cb.rejection()
	case StateHalfOpen:
		if cb.inFlightTrials >= cb.halfOpenRequests {
			return false, cb.rejection()
		}
		cb.inFlightTrials++
		return true, nil
	default:
		return false, ErrUnknownState
	}
}

// rejection must be called with cb.mu held
func (cb *CircuitBreaker) rejection() error {
	retryAfter := cb.lastFailureTime.Add(cb.timeout).Sub(cb.now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitBreakerError{
		Name:       cb.name,
		State:      cb.state,
		Failures:   cb.failureCount,
		RetryAfter: retryAfter,
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.inFlightTrials > 0 {
		cb.inFlightTrials--
	}

	if err != nil && !cb.isFailure(err) {
		return
	}

	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.failureThreshold {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.successCount = 0
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.inFlightTrials = 0
		}
	}
}

// transition must be called with cb.mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	for _, l := range cb.listeners {
		go l.OnStateChange(cb.name, from, to)
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Name            string
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
}

// Group holds one circuit breaker per guarded dependency
type Group struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	options  []CircuitBreakerOption
}

// NewGroup creates a group whose breakers share options
func NewGroup(options ...CircuitBreakerOption) *Group {
	return &Group{breakers: make(map[string]*CircuitBreaker), options: options}
}

// Get returns the breaker for name, creating it on first use
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	opts := append(append([]CircuitBreakerOption{}, g.options...), WithName(name))
	cb := NewCircuitBreaker(opts...)
	g.breakers[name] = cb
	return cb
}

// Snapshots returns a snapshot of every breaker in the group
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make([]Snapshot, len(breakers))
	for i, cb := range breakers {
		out[i] = cb.Snapshot()
	}
	return out
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s: %s (failures=%d successes=%d)", s.Name, s.State, s.FailureCount, s.SuccessCount)
}
