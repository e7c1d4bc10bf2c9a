package webhook

import (
	"sync"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/cache"
)

// DefaultMaxCircuits bounds how many endpoints a CircuitSet tracks at once.
const DefaultMaxCircuits = 10_000

// CircuitState is the position of a breaker.
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
		return "half-open"
	}
	return "unknown"
}

// CircuitConfig tunes the breakers of a CircuitSet. Non-positive fields fall
// back to 5 failures to open, 2 successes to close, a 30s cool-down and
// DefaultMaxCircuits endpoints.
type CircuitConfig struct {
	Failures     int
	Successes    int
	Recovery     time.Duration
	MaxEndpoints int
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.Failures <= 0 {
		c.Failures = 5
	}
	if c.Successes <= 0 {
		c.Successes = 2
	}
	if c.Recovery <= 0 {
		c.Recovery = 30 * time.Second
	}
	if c.MaxEndpoints <= 0 {
		c.MaxEndpoints = DefaultMaxCircuits
	}
	return c
}

// CircuitBreaker stops attempts against a receiver after consecutive failures
// and lets a trial attempt through once the cool-down has passed.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       CircuitConfig
	now       func() time.Time
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	return newCircuitBreaker(cfg.withDefaults(), time.Now)
}

func newCircuitBreaker(cfg CircuitConfig, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: now}
}

// Allow reports whether an attempt may proceed. An open breaker past its
// cool-down turns half-open and admits the attempt.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if !cb.cooledDown() {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return true
}

// RecordSuccess counts towards closing a half-open breaker and clears the
// failure streak of a closed one.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.Successes {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure opens the breaker once the failure streak reaches the
// threshold. A failed trial reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Failures {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	case CircuitOpen:
		cb.openedAt = cb.now()
	}
}

// State returns the current position, reporting an open breaker past its
// cool-down as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// CircuitStats is a snapshot of a breaker for diagnostics.
type CircuitStats struct {
	State    string
	Failures int
	OpenedAt time.Time
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitStats{
		State:    cb.state.String(),
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.failures = cb.cfg.Failures
	cb.successes = 0
	cb.openedAt = cb.now()
}

// Must be called with lock held.
func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.Recovery
}

// CircuitSet keeps one breaker per endpoint so a failing receiver does not
// block deliveries to healthy ones. Endpoints are held in an LRU, so a stream
// of one-off URLs cannot grow the set past MaxEndpoints; an evicted endpoint
// starts over with a closed breaker.
type CircuitSet struct {
	cfg      CircuitConfig
	now      func() time.Time
	breakers *cache.LRUCache[string, *CircuitBreaker]
}

// NewCircuitSet creates an empty set. Breakers are created on first use.
func NewCircuitSet(cfg CircuitConfig) *CircuitSet {
	return newCircuitSet(cfg, time.Now)
}

func newCircuitSet(cfg CircuitConfig, now func() time.Time) *CircuitSet {
	cfg = cfg.withDefaults()
	return &CircuitSet{
		cfg:      cfg,
		now:      now,
		breakers: cache.NewLRUCache[string, *CircuitBreaker](cfg.MaxEndpoints),
	}
}

// For returns the breaker guarding endpoint, creating it if needed.
func (s *CircuitSet) For(endpoint string) *CircuitBreaker {
	cb, _ := s.breakers.GetOrAdd(endpoint, func() *CircuitBreaker {
		return newCircuitBreaker(s.cfg, s.now)
	})
	return cb
}

// Len returns the number of tracked endpoints.
func (s *CircuitSet) Len() int {
	return s.breakers.Len()
}

// Stats returns a snapshot of every tracked breaker keyed by endpoint.
func (s *CircuitSet) Stats() map[string]CircuitStats {
	out := make(map[string]CircuitStats, s.breakers.Len())
	s.breakers.Range(func(endpoint string, cb *CircuitBreaker) bool {
		out[endpoint] = cb.Stats()
		return true
	})
	return out
}
