package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks concurrency limiter performance metrics
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability
type Limiter struct {
	sem    chan struct{}
	active atomic.Int64

	totalAcquired   atomic.Int64
	totalReleased   atomic.Int64
	peakConcurrent  atomic.Int64
	totalWaitTimeNs atomic.Int64
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Acquire attempts to acquire a slot in the limiter with context support
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.totalWaitTimeNs.Add(time.Since(start).Nanoseconds())
		l.totalAcquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot only if one is immediately available
func (l *Limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		l.totalAcquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return true
	default:
		return false
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.totalReleased.Add(1)
	default:
		// Should not happen in correct usage
	}
}

// GoSync executes a function synchronously with concurrency limiting
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	return fn()
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.totalAcquired.Load(),
		TotalReleased:   l.totalReleased.Load(),
		PeakConcurrent:  l.peakConcurrent.Load(),
		TotalWaitTimeNs: l.totalWaitTimeNs.Load(),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peakConcurrent.Load()
		if current <= peak {
			break
		}
		if l.peakConcurrent.CompareAndSwap(peak, current) {
			break
		}
	}
}
