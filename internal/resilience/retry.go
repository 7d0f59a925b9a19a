package resilience

import (
	"context"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	// StrategyFixed reuses InitialDelay between every attempt.
	StrategyFixed Strategy = "fixed"

	// StrategyExponential doubles the delay each attempt, capped at MaxDelay.
	StrategyExponential Strategy = "exponential"
)

// RetryPolicy configures the retry wrapper.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	// Must be >= 1.
	MaxAttempts int

	Strategy     Strategy
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RetryableKinds limits which error kinds are retried. Empty means any
	// error is retryable. Breaker-open errors are never retried regardless.
	RetryableKinds []Kind
}

// DefaultRetryPolicy is the stage-level fallback when no override is set.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	Strategy:     StrategyExponential,
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
}

// Delay returns the sleep before the given retry. attempt is 1-based: the
// delay between attempt N and attempt N+1 is Delay(N).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if p.Strategy != StrategyExponential {
		return p.InitialDelay
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) retryable(err error) bool {
	if IsBreakerOpen(err) {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	kind := KindOf(err)
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SleepFunc sleeps for d or returns early with the context's error.
// Tests substitute an instant implementation.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do invokes fn up to policy.MaxAttempts times, sleeping between attempts
// per the policy's backoff. Non-retryable errors propagate immediately.
// On exhaustion the last error is returned; deciding whether that triggers
// a dead-letter write is the caller's concern.
func Do(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	return DoWithSleep(ctx, policy, Sleep, fn)
}

// DoWithSleep is Do with an injectable sleep, for deterministic tests.
func DoWithSleep(ctx context.Context, policy RetryPolicy, sleep SleepFunc, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !policy.retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return err
		}
	}

	return last
}
