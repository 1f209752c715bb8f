package execute

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one node's command channel.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures the per-node circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive execution failures
	// before the circuit opens.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe call is
	// allowed through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible circuit breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Breaker is the circuit breaker for one node's command channel.
//
// CLOSED: calls pass through; FailureThreshold consecutive failures open
// the circuit. OPEN: calls fail immediately with CircuitOpenError until the
// cooldown elapses, then the next call probes in HALF_OPEN. HALF_OPEN: a
// success closes the circuit, a failure reopens it.
type Breaker struct {
	nodeID   string
	config   BreakerConfig
	onChange func(nodeID string, from, to BreakerState)
	now      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// Allow reports whether a call may proceed. While the circuit is open it
// returns CircuitOpenError without any side effect; once the cooldown has
// elapsed it moves the circuit to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	remaining := b.config.Cooldown - b.now().Sub(b.openedAt)
	if remaining > 0 {
		return &CircuitOpenError{NodeID: b.nodeID, RetryAfter: remaining}
	}
	b.transition(BreakerHalfOpen)
	return nil
}

// MarkSuccess records a successful call, closing the circuit.
func (b *Breaker) MarkSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// MarkFailure records a failed call. In the closed state it opens the
// circuit once the failure threshold is reached; a half-open probe failure
// reopens immediately.
func (b *Breaker) MarkFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// open must be called with the mutex held.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(BreakerOpen)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(b.nodeID, from, to)
	}
}

// BreakerSet owns one breaker per node, created lazily.
type BreakerSet struct {
	config   BreakerConfig
	onChange func(nodeID string, from, to BreakerState)
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates a breaker set. onChange, if non-nil, is invoked on
// every state transition of any breaker in the set.
func NewBreakerSet(cfg BreakerConfig, onChange func(nodeID string, from, to BreakerState)) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &BreakerSet{
		config:   cfg,
		onChange: onChange,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the node, creating it closed on first use.
func (s *BreakerSet) For(nodeID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[nodeID]; ok {
		return b
	}
	b := &Breaker{
		nodeID:   nodeID,
		config:   s.config,
		onChange: s.onChange,
		now:      s.now,
		state:    BreakerClosed,
	}
	s.breakers[nodeID] = b
	return b
}
