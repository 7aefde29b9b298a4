// Package resilience isolates flaky downstream sinks behind circuit breakers
package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker
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
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// Cooldown is how long an open circuit rejects calls before probing
	Cooldown time.Duration
	// HalfOpenSuccess trial calls must succeed before the circuit closes again
	HalfOpenSuccess int
	OnStateChange   func(name string, from, to State)
}

// DefaultConfig returns the settings used for notification sinks
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		Cooldown:        30 * time.Second,
		HalfOpenSuccess: 1,
	}
}

// CircuitBreaker stops calling a sink after repeated failures
type CircuitBreaker struct {
	mu          sync.Mutex
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.HalfOpenSuccess <= 0 {
		config.HalfOpenSuccess = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Cooldown {
		cb.transitionTo(StateHalfOpen)
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenSuccess {
			cb.transitionTo(StateClosed)
		}
	}
}

// transitionTo must be called with mu held
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.successes = 0
	if next == StateClosed {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, prev, next)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Registry hands out one breaker per name
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry creates a registry whose breakers share config
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the circuit breaker for name, creating one if needed
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	config := r.config
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats holds the state of one breaker
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Stats returns the state of every breaker, sorted by name
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for name, cb := range r.breakers {
		stats = append(stats, Stats{Name: name, State: cb.State().String(), Failures: cb.Failures()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
