package policy

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// GaugeValue maps the state onto the metric gauge.
func (s BreakerState) GaugeValue() float64 {
	switch s {
	case BreakerOpen:
		return 1
	case BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreaker guards the policy service. Consecutive failures open it;
// after a cool-down a single probe is allowed through, and the probe's
// outcome decides between closing and re-opening with a doubled cool-down.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	cooldown     time.Duration
	cooldownBase time.Duration
	cooldownMax  time.Duration
	openedAt     time.Time
	probeInFlight bool

	now      func() time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker builds a closed breaker. onChange may be nil.
func NewCircuitBreaker(threshold int, cooldownBase, cooldownMax time.Duration, onChange func(BreakerState)) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if cooldownMax < cooldownBase {
		cooldownMax = cooldownBase
	}
	return &CircuitBreaker{
		state:        BreakerClosed,
		threshold:    threshold,
		cooldown:     cooldownBase,
		cooldownBase: cooldownBase,
		cooldownMax:  cooldownMax,
		now:          time.Now,
		onChange:     onChange,
	}
}

// Allow reports whether a request may go out. In the half-open state only
// one probe is admitted at a time.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker after a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != BreakerClosed {
		b.cooldown = b.cooldownBase
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failed call, opening the breaker at the threshold.
// A failed half-open probe re-opens with a doubled cool-down.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.cooldown = b.cooldown * 2
		if b.cooldown > b.cooldownMax {
			b.cooldown = b.cooldownMax
		}
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	case BreakerOpen:
		// Late failure from a request admitted before opening; nothing to do.
	}
}

// State returns the current position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState is called with the lock held.
func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
