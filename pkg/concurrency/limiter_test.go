package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(3)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.GoSync(ctx, func() error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	metrics := limiter.GetMetrics()
	assert.Equal(t, int64(20), metrics.TotalAcquired)
	assert.Equal(t, int64(20), metrics.TotalReleased)
	assert.LessOrEqual(t, metrics.PeakConcurrent, int64(3))
	assert.Zero(t, limiter.CurrentActive())
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	limiter := NewLimiter(1)
	require.True(t, limiter.TryAcquire())
	assert.False(t, limiter.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Acquire(ctx), context.DeadlineExceeded)

	limiter.Release()
	assert.NoError(t, limiter.Acquire(context.Background()))
	assert.Equal(t, int64(1), limiter.CurrentActive())
}

func TestLimiterDefaultsToOneSlot(t *testing.T) {
	assert.Equal(t, 1, NewLimiter(0).Capacity())
	assert.Zero(t, NewLimiter(2).GetAverageWaitTime())
}
