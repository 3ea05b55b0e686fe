package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, opts CircuitBreakerOptions) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(opts, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreakerOpensWhenThresholdMet(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  0.5,
		SamplingDuration:  10 * time.Second,
		MinimumThroughput: 4,
		DurationOfBreak:   time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.GetState(), "below minimum throughput")

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState(), "2 failures out of 4 meets a 0.5 ratio")
}

func TestCircuitBreakerIgnoresFailuresBelowMinimumThroughput(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  0.1,
		SamplingDuration:  10 * time.Second,
		MinimumThroughput: 5,
		DurationOfBreak:   time.Minute,
	})
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerRollingWindowForgetsOldFailures(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  0.5,
		SamplingDuration:  time.Second,
		MinimumThroughput: 3,
		DurationOfBreak:   time.Minute,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	_ = cb.Execute(ctx, fail)
	successes, failures := cb.Counts()
	assert.Equal(t, int64(0), successes)
	assert.Equal(t, int64(1), failures)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerOpenFailsFastWithoutInvoking(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   time.Minute,
	})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	assert.False(t, invoked)
	assert.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	assert.ErrorIs(t, err, dispatcherrors.ErrBreakerOpen)
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   5 * time.Second,
	})
	_ = cb.Execute(context.Background(), fail)
	clock.Advance(5 * time.Second)

	require.NoError(t, cb.Allow(), "first attempt after the break is the trial")
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), dispatcherrors.ErrBreakerOpen, "only one trial is let through")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
	successes, failures := cb.Counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   5 * time.Second,
	})
	_ = cb.Execute(context.Background(), fail)
	clock.Advance(5 * time.Second)

	require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	// The break timer restarted with the failed trial
	clock.Advance(4 * time.Second)
	assert.ErrorIs(t, cb.Allow(), dispatcherrors.ErrBreakerOpen)
	clock.Advance(time.Second)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerCancellationIsNeutral(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   time.Second,
	})
	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Allow(), "trial slot released after a cancelled trial")
}

func TestCircuitBreakerNotifiesAndLogsTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cb := NewCircuitBreaker(CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   time.Millisecond,
	}, zap.New(core))

	var mu sync.Mutex
	var seen []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		mu.Lock()
		seen = append(seen, from.String()+"->"+to.String())
		mu.Unlock()
	})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, seen)
	assert.Equal(t, 1, logs.FilterMessageSnippet("breaking the circuit").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("half-open").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("closed the circuit").Len())
}

func TestCircuitBreakerRecordsFailureOnPanic(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   time.Minute,
	})
	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("bad batch") })
	})
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerOptions{
		FailureThreshold:  1,
		SamplingDuration:  time.Second,
		MinimumThroughput: 1,
		DurationOfBreak:   time.Minute,
	})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}
