package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and operations are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and operations are blocked
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit lets a single trial through
	StateHalfOpen CircuitBreakerState = 2
)

// numberOfBuckets splits the sampling duration of the rolling window
const numberOfBuckets = 10

// healthBucket counts outcomes that started within one slice of the window
type healthBucket struct {
	start     time.Time
	successes int64
	failures  int64
}

// CircuitBreaker prevents cascade failures by failing fast once the failure
// ratio inside a rolling window reaches the configured threshold.
//
// The rolling window and the half-open trial flag are only touched under mu,
// by the attempt lifecycle (Allow, RecordSuccess, RecordFailure). The state
// itself is mirrored into an atomic so readers never take the lock.
type CircuitBreaker struct {
	state          int32 // atomic: CircuitBreakerState
	opts           CircuitBreakerOptions
	bucketDuration time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu            sync.Mutex
	buckets       []healthBucket
	openedAt      time.Time
	trialInFlight bool
	listeners     []func(from, to CircuitBreakerState)
}

type transition struct {
	from, to CircuitBreakerState
}

// NewCircuitBreaker creates a new circuit breaker. Invalid options fall back
// to DefaultCircuitBreakerOptions field by field.
func NewCircuitBreaker(opts CircuitBreakerOptions, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerOptions()
	if opts.FailureThreshold <= 0 || opts.FailureThreshold > 1 {
		opts.FailureThreshold = defaults.FailureThreshold
	}
	if opts.SamplingDuration <= 0 {
		opts.SamplingDuration = defaults.SamplingDuration
	}
	if opts.MinimumThroughput < 1 {
		opts.MinimumThroughput = defaults.MinimumThroughput
	}
	if opts.DurationOfBreak <= 0 {
		opts.DurationOfBreak = defaults.DurationOfBreak
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bucketDuration := opts.SamplingDuration / numberOfBuckets
	if bucketDuration <= 0 {
		bucketDuration = opts.SamplingDuration
	}

	return &CircuitBreaker{
		state:          int32(StateClosed),
		opts:           opts,
		bucketDuration: bucketDuration,
		logger:         logger,
		now:            time.Now,
	}
}

// OnStateChange registers fn to observe state transitions. Listeners run
// synchronously after the breaker lock is released and must not block.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	if fn == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Execute runs fn if the circuit allows it and records its outcome.
// Cancellation outcomes are neither successes nor failures. When the circuit
// rejects the attempt fn is not invoked and a PROCESSING_FAILED error wrapping
// ErrBreakerOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := cb.Allow(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case dispatcherrors.IsCancellation(err) && ctx.Err() != nil:
		cb.releaseTrial()
	default:
		cb.RecordFailure()
	}
	return err
}

// Allow reserves an attempt. It returns a PROCESSING_FAILED error while the
// circuit is open, or while the half-open trial is already in flight.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var fired []transition
	allowed := true

	switch cb.GetState() {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.opts.DurationOfBreak {
			fired = append(fired, cb.transitionLocked(StateHalfOpen))
			cb.trialInFlight = true
		} else {
			allowed = false
		}
	case StateHalfOpen:
		if cb.trialInFlight {
			allowed = false
		} else {
			cb.trialInFlight = true
		}
	}
	cb.mu.Unlock()

	cb.fire(fired)
	if !allowed {
		return dispatcherrors.NewProcessingFailed("attempt rejected", dispatcherrors.ErrBreakerOpen)
	}
	return nil
}

// IsOpen returns true if the circuit breaker currently rejects attempts
func (cb *CircuitBreaker) IsOpen() bool {
	switch cb.GetState() {
	case StateOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.now().Sub(cb.openedAt) < cb.opts.DurationOfBreak
	case StateHalfOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.trialInFlight
	}
	return false
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var fired []transition

	switch cb.GetState() {
	case StateHalfOpen:
		cb.trialInFlight = false
		fired = append(fired, cb.transitionLocked(StateClosed))
	case StateClosed:
		cb.currentBucketLocked().successes++
	}
	cb.mu.Unlock()

	cb.fire(fired)
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var fired []transition

	switch cb.GetState() {
	case StateHalfOpen:
		// Any failure of the trial reopens the circuit
		cb.trialInFlight = false
		fired = append(fired, cb.transitionLocked(StateOpen))
	case StateClosed:
		cb.currentBucketLocked().failures++
		successes, failures := cb.countsLocked()
		total := successes + failures
		if total >= int64(cb.opts.MinimumThroughput) &&
			float64(failures)/float64(total) >= cb.opts.FailureThreshold {
			fired = append(fired, cb.transitionLocked(StateOpen))
		}
	}
	cb.mu.Unlock()

	cb.fire(fired)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Counts returns the successes and failures inside the rolling window
func (cb *CircuitBreaker) Counts() (successes, failures int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.countsLocked()
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.trialInFlight = false
	fired := []transition{cb.transitionLocked(StateClosed)}
	cb.buckets = nil
	cb.openedAt = time.Time{}
	cb.mu.Unlock()

	cb.fire(fired)
}

// releaseTrial frees the half-open trial slot without deciding the outcome
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// transitionLocked transitions the circuit breaker to a new state
func (cb *CircuitBreaker) transitionLocked(newState CircuitBreakerState) transition {
	oldState := cb.GetState()
	if oldState == newState {
		return transition{from: oldState, to: newState}
	}

	atomic.StoreInt32(&cb.state, int32(newState))

	switch newState {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		// Counters restart from scratch once the circuit closes
		cb.buckets = nil
	}
	return transition{from: oldState, to: newState}
}

func (cb *CircuitBreaker) fire(fired []transition) {
	if len(fired) == 0 {
		return
	}
	cb.mu.Lock()
	listeners := append([]func(from, to CircuitBreakerState){}, cb.listeners...)
	cb.mu.Unlock()

	for _, t := range fired {
		if t.from == t.to {
			continue
		}
		switch t.to {
		case StateOpen:
			cb.logger.Error("Batch processor breaker: breaking the circuit",
				zap.Duration("break_duration", cb.opts.DurationOfBreak),
				zap.String("from", t.from.String()))
		case StateHalfOpen:
			cb.logger.Warn("Batch processor breaker: half-open, next call is a trial")
		case StateClosed:
			cb.logger.Info("Batch processor breaker: closed the circuit",
				zap.String("from", t.from.String()))
		}
		for _, fn := range listeners {
			fn(t.from, t.to)
		}
	}
}

// currentBucketLocked returns the bucket for now, rolling the window forward
func (cb *CircuitBreaker) currentBucketLocked() *healthBucket {
	now := cb.now()
	cb.pruneLocked(now)
	if n := len(cb.buckets); n > 0 && now.Sub(cb.buckets[n-1].start) < cb.bucketDuration {
		return &cb.buckets[n-1]
	}
	cb.buckets = append(cb.buckets, healthBucket{start: now})
	return &cb.buckets[len(cb.buckets)-1]
}

func (cb *CircuitBreaker) countsLocked() (successes, failures int64) {
	cb.pruneLocked(cb.now())
	for _, b := range cb.buckets {
		successes += b.successes
		failures += b.failures
	}
	return successes, failures
}

// pruneLocked drops buckets that fell out of the sampling duration
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.opts.SamplingDuration)
	i := 0
	for i < len(cb.buckets) && !cb.buckets[i].start.After(cutoff) {
		i++
	}
	if i > 0 {
		cb.buckets = append(cb.buckets[:0], cb.buckets[i:]...)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
