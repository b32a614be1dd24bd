package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed - normal operation, requests pass through
	CircuitClosed CircuitState = iota
	// CircuitOpen - circuit is open, requests fail immediately
	CircuitOpen
	// CircuitHalfOpen - testing if service has recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the guarded function.
var ErrCircuitOpen = errors.New("circuit is open")

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // open period before a half-open probe
	RequestTimeout   time.Duration // per-call deadline, 0 for none
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// CircuitBreaker guards calls to a flaky dependency.
type CircuitBreaker struct {
	name            string
	config          *CircuitBreakerConfig
	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
}

func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

func (c *CircuitBreaker) Name() string {
	return c.name
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn if the circuit allows it. fn gets a context bounded by the
// request timeout; its error counts as a failure.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.allowRequest() {
		return ErrCircuitOpen
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	c.recordResult(err)
	return err
}

func (c *CircuitBreaker) allowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(c.lastStateChange) >= c.config.Timeout {
			c.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (c *CircuitBreaker) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		c.successes++
		if c.state == CircuitHalfOpen && c.successes >= c.config.SuccessThreshold {
			c.setState(CircuitClosed)
		}
		return
	}

	c.failures++
	if c.state == CircuitHalfOpen || (c.state == CircuitClosed && c.failures >= c.config.FailureThreshold) {
		c.setState(CircuitOpen)
	}
}

// caller must hold c.mu
func (c *CircuitBreaker) setState(state CircuitState) {
	if c.state == state {
		return
	}
	log.Warn().Str("breaker", c.name).Str("from", c.state.String()).Str("to", state.String()).Msg("circuit state changed")
	c.state = state
	c.lastStateChange = time.Now()
	c.failures = 0
	c.successes = 0
}

// Reset resets the circuit breaker to closed state.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(CircuitClosed)
}

func (c *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:            c.name,
		State:           c.state.String(),
		Failures:        c.failures,
		Successes:       c.successes,
		LastStateChange: c.lastStateChange,
	}
}

// CircuitBreakerMetrics is the health-endpoint view of a breaker.
type CircuitBreakerMetrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastStateChange time.Time `json:"last_state_change"`
}
