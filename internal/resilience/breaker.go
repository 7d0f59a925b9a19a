package resilience

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects calls immediately with a breaker-open error.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits a single probe call.
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a circuit breaker for one named external component.
//
// Breakers are never shared across unrelated components: one component's
// outage must not block another's calls. Use a Registry to get the breaker
// for a component by name.
//
// State is protected by a mutex; a breaker tripping open immediately stops
// admitting calls from every worker, not just the one that tripped it.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	probing      bool
}

// NewBreaker creates a closed breaker for the named component.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		state:            BreakerClosed,
	}
}

// Name returns the protected component's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half_open transition
// if the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// maybeHalfOpen transitions open→half_open once the recovery timeout has
// elapsed since the last failure. Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}

// allow decides whether a call may proceed. In half_open only one probe is
// admitted; concurrent callers are rejected until the probe resolves.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return &Error{Kind: KindBreakerOpen, Component: b.name, Message: "probe in flight"}
		}
		b.probing = true
		return nil
	default:
		return &Error{Kind: KindBreakerOpen, Component: b.name, Message: "circuit open"}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.probing = false
	}
	b.failureCount = 0
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen {
		// Failed probe reopens the circuit and restarts the recovery window.
		b.state = BreakerOpen
		b.probing = false
		return
	}

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = BreakerOpen
	}
}

// Call runs fn through the breaker. An open breaker rejects without
// invoking fn, returning a breaker-open kind error.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// Registry hands out one independent breaker per component name.
type Registry struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share a threshold and
// recovery timeout but track failures independently.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		breakers:         make(map[string]*Breaker),
	}
}

// WithNow overrides the registry clock. For tests.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.failureThreshold, r.recoveryTimeout)
		b.now = r.now
		r.breakers[name] = b
	}
	return b
}
