// Package resilience provides the circuit breaker and bounded-backoff
// primitives used around the catalog loader and pool acquire path.
package resilience

import (
	"sync"
	"time"

	"github.com/nimbusstore/tenantcore/internal/svcerr"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = svcerr.ErrDatabaseError

// CircuitBreaker wraps an operation keyed by tenant (or any other string),
// failing fast once a tenant's dependency looks down instead of re-running
// the full bounded-retry loop on every request.
type CircuitBreaker struct {
	name string

	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int

	state           string
	failures        int
	successes       int
	halfOpenReqs    int
	lastStateChange time.Time

	mu sync.RWMutex
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name            string
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxReqs <= 0 {
		config.HalfOpenMaxReqs = 3
	}
	return &CircuitBreaker{
		name:            config.Name,
		maxFailures:     config.MaxFailures,
		resetTimeout:    config.ResetTimeout,
		halfOpenMaxReqs: config.HalfOpenMaxReqs,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling fn if the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.recordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.resetTimeout {
			cb.toHalfOpen()
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.maxFailures {
				cb.toOpen()
			}
		}
	case CircuitHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.halfOpenMaxReqs {
				cb.toClosed()
			}
		} else {
			cb.toOpen()
		}
	}
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = CircuitOpen
	cb.lastStateChange = time.Now()
	cb.failures, cb.successes, cb.halfOpenReqs = 0, 0, 0
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = CircuitHalfOpen
	cb.lastStateChange = time.Now()
	cb.failures, cb.successes, cb.halfOpenReqs = 0, 0, 0
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = CircuitClosed
	cb.lastStateChange = time.Now()
	cb.failures, cb.successes, cb.halfOpenReqs = 0, 0, 0
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the breaker's identifier.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Stats reports current counters, useful for /metrics and debug endpoints.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return map[string]any{
		"name":            cb.name,
		"state":           cb.state,
		"failures":        cb.failures,
		"successes":       cb.successes,
		"halfOpenReqs":    cb.halfOpenReqs,
		"lastStateChange": cb.lastStateChange,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed()
}

// Registry manages one breaker per tenant id (or other key).
type Registry struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Get retrieves or lazily creates a breaker with default config for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()
	return r.GetOrCreate(CircuitBreakerConfig{Name: name})
}

// GetOrCreate retrieves or creates a breaker with an explicit config.
func (r *Registry) GetOrCreate(config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[config.Name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(config)
	r.breakers[config.Name] = cb
	return cb
}

// Stats reports Stats() for every breaker in the registry.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
