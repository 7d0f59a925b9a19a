package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// breakerClock is a manually advanced clock for breaker tests.
type breakerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *breakerClock) {
	clock := &breakerClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	b := NewBreaker("calibrate", threshold, recovery)
	b.now = clock.Now
	return b, clock
}

func failOnce(b *Breaker) error {
	return b.Call(context.Background(), func(context.Context) error {
		return errors.New("downstream error")
	})
}

func succeedOnce(b *Breaker) error {
	return b.Call(context.Background(), func(context.Context) error { return nil })
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.Error(t, failOnce(b))
		assert.Equal(t, BreakerClosed, b.State())
	}

	require.Error(t, failOnce(b))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	require.Error(t, failOnce(b))
	require.Error(t, failOnce(b))
	require.NoError(t, succeedOnce(b))
	assert.Equal(t, 0, b.FailureCount())

	// Two more failures stay below threshold after the reset.
	require.Error(t, failOnce(b))
	require.Error(t, failOnce(b))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	require.Error(t, failOnce(b))
	require.Equal(t, BreakerOpen, b.State())

	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsBreakerOpen(err))
	assert.False(t, called, "open breaker must not invoke the function")
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.Error(t, failOnce(b))
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.Error(t, failOnce(b))
	clock.Advance(time.Minute)

	require.NoError(t, succeedOnce(b))
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.Error(t, failOnce(b))
	clock.Advance(time.Minute)

	require.Error(t, failOnce(b))
	assert.Equal(t, BreakerOpen, b.State())

	// The failed probe restarted the recovery window.
	clock.Advance(30 * time.Second)
	assert.Equal(t, BreakerOpen, b.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.Error(t, failOnce(b))
	clock.Advance(time.Minute)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = b.Call(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	err := succeedOnce(b)
	require.Error(t, err, "second caller must be rejected while the probe is in flight")
	assert.True(t, IsBreakerOpen(err))

	close(release)
}

func TestRegistry_IndependentBreakersPerComponent(t *testing.T) {
	r := NewRegistry(1, time.Minute)

	calibrate := r.Get("calibrate")
	imaging := r.Get("image")
	require.NotSame(t, calibrate, imaging)

	require.Error(t, failOnce(calibrate))
	assert.Equal(t, BreakerOpen, calibrate.State())
	assert.Equal(t, BreakerClosed, imaging.State(),
		"one component's outage must not block another")

	assert.Same(t, calibrate, r.Get("calibrate"), "registry returns the same breaker per name")
}
