package resilience

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int32

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

// CircuitBreaker guards a single upstream endpoint. After MaxFailures
// consecutive failures it opens for Cooldown; when the cooldown elapses a
// single probe call is allowed (half-open). Probe success closes the circuit,
// probe failure re-opens it with a doubled cooldown up to MaxCooldown.
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	cooldown    time.Duration
	maxCooldown time.Duration

	mu              sync.Mutex
	state           State
	failures        uint32
	currentCooldown time.Duration
	openedAt        time.Time
	probeInFlight   bool
	successCount    uint64
	failureCount    uint64
	lastStateChange time.Time
	onStateChange   func(name string, from, to State)
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   uint32
	Cooldown      time.Duration
	MaxCooldown   time.Duration
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "default",
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 10 * time.Minute
	}
	return &CircuitBreaker{
		name:            config.Name,
		maxFailures:     config.MaxFailures,
		cooldown:        config.Cooldown,
		maxCooldown:     config.MaxCooldown,
		state:           StateClosed,
		currentCooldown: config.Cooldown,
		lastStateChange: time.Now(),
		onStateChange:   config.OnStateChange,
	}
}

// Allow reports whether a call may proceed right now. While open it returns
// false until the cooldown elapses; the first caller after that is the
// half-open probe and gets true while any concurrent callers keep getting false.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.currentCooldown {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probeInFlight = true
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.currentCooldown = cb.cooldown
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.openedAt = time.Now()
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Failed probe: back to open with a doubled cooldown
		cb.probeInFlight = false
		cb.currentCooldown *= 2
		if cb.currentCooldown > cb.maxCooldown {
			cb.currentCooldown = cb.maxCooldown
		}
		cb.openedAt = time.Now()
		cb.transitionLocked(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probeInFlight = false
	cb.currentCooldown = cb.cooldown
	cb.transitionLocked(StateClosed)
}

// CurrentCooldown returns the cooldown the next open period would use
func (cb *CircuitBreaker) CurrentCooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentCooldown
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		SuccessCount:    cb.successCount,
		FailureCount:    cb.failureCount,
		LastStateChange: cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) transitionLocked(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.onStateChange != nil {
		// Callback runs outside the lock to keep the breaker reentrant
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// CircuitBreakerStats holds statistics for a circuit breaker
type CircuitBreakerStats struct {
	Name            string
	State           State
	Failures        uint32
	SuccessCount    uint64
	FailureCount    uint64
	LastStateChange time.Time
}
