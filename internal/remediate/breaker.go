package remediate

import (
	"sync"
	"time"
)

// CircuitState is the breaker state for one (action, target) pair.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
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

type circuit struct {
	state        CircuitState
	failures     int
	successes    int
	openedAt     time.Time
	lastActivity time.Time
}

// CircuitBreaker tracks failures per (action, target) pair. After threshold
// consecutive failures the circuit opens and dispatch is refused until the
// cooldown passes, then a half-open probe phase requires probes consecutive
// successes to close again. One failing target never blinds remediation
// against the rest.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	probes    int
}

// NewCircuitBreaker creates a breaker. Non-positive arguments use the
// defaults (5 failures, 60s cooldown, 2 probes).
func NewCircuitBreaker(threshold int, cooldown time.Duration, probes int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if probes <= 0 {
		probes = 2
	}
	return &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		probes:    probes,
	}
}

// Allow reports whether a dispatch attempt may proceed for the key. An open
// circuit transitions to half-open once the cooldown has elapsed.
func (b *CircuitBreaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	c.lastActivity = time.Now()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(c.openedAt) >= b.cooldown {
			c.state = CircuitHalfOpen
			c.successes = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess counts a successful dispatch. In half-open state, enough
// consecutive successes close the circuit.
func (b *CircuitBreaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.lastActivity = time.Now()

	switch c.state {
	case CircuitClosed:
		c.failures = 0
	case CircuitHalfOpen:
		c.successes++
		if c.successes >= b.probes {
			delete(b.circuits, key)
		}
	}
}

// RecordFailure counts a failed dispatch. In closed state, threshold
// consecutive failures open the circuit; any half-open failure reopens it.
func (b *CircuitBreaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[key] = c
	}
	c.lastActivity = time.Now()

	switch c.state {
	case CircuitClosed:
		c.failures++
		if c.failures >= b.threshold {
			c.state = CircuitOpen
			c.openedAt = time.Now()
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = time.Now()
		c.failures = b.threshold
	}
}

// State returns the current state for a key.
func (b *CircuitBreaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && time.Since(c.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

// Sweep drops circuits idle for longer than maxIdle. Closed circuits carry
// no state worth keeping.
func (b *CircuitBreaker) Sweep(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, c := range b.circuits {
		if now.Sub(c.lastActivity) > maxIdle {
			delete(b.circuits, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked circuits.
func (b *CircuitBreaker) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.circuits)
}
