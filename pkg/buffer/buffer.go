// Package buffer turns a concurrently produced stream of values into an
// ordered sequence of bounded batches.
//
// A batch is sealed when NodeThrottling values are queued or when the oldest
// value of the current window has waited Window, whichever comes first.
// Emission is rate limited to NodeThrottling values per Window. Pending values
// (queued or sealed but not yet handed off) are bounded by BufferCapacity;
// overflow is either evicted or makes producers wait, depending on
// EvictItemsWhenNodesAreFull.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"golang.org/x/time/rate"
)

// Buffer accumulates values into batches. It is safe for concurrent use.
type Buffer[T any] struct {
	opts    concurrency.ClusterOptions
	limiter *rate.Limiter
	onEvict func(T)

	mu          sync.Mutex
	queue       []T
	inHand      []T
	windowStart time.Time
	closed      bool

	// slots holds one token per pending value; nil when unbounded
	slots   chan struct{}
	notify  chan struct{}
	out     chan []T
	pending atomic.Int64
	evicted atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a buffer and starts its windowing goroutine. onEvict is called
// for values that were admitted and later evicted by the drop-oldest policy;
// an arriving value that is rejected is reported through Add's error instead.
func New[T any](opts concurrency.ClusterOptions, onEvict func(T)) *Buffer[T] {
	if opts.EvictionPolicy == "" {
		opts.EvictionPolicy = concurrency.EvictRejectNewest
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer[T]{
		opts:    opts,
		onEvict: onEvict,
		notify:  make(chan struct{}, 1),
		out:     make(chan []T),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if opts.BufferCapacity > 0 {
		b.slots = make(chan struct{}, opts.BufferCapacity)
	}
	if opts.NodeThrottling > 0 && opts.Window > 0 {
		perSecond := float64(opts.NodeThrottling) / opts.Window.Seconds()
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), opts.NodeThrottling)
	}

	go b.run()
	return b
}

// Add enqueues v. With eviction enabled it never blocks; otherwise it waits
// for capacity until ctx is done or the buffer is closed.
func (b *Buffer[T]) Add(ctx context.Context, v T) error {
	if b.isClosed() {
		return dispatcherrors.ErrClosed
	}

	if b.slots != nil {
		if b.opts.EvictItemsWhenNodesAreFull {
			select {
			case b.slots <- struct{}{}:
			default:
				return b.overflow(v)
			}
		} else {
			select {
			case b.slots <- struct{}{}:
			case <-ctx.Done():
				return dispatcherrors.NewCancelled("gave up waiting for buffer capacity", ctx.Err())
			case <-b.ctx.Done():
				return dispatcherrors.ErrClosed
			}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.releaseSlots(1)
		return dispatcherrors.ErrClosed
	}
	if len(b.queue) == 0 {
		b.windowStart = time.Now()
	}
	b.queue = append(b.queue, v)
	b.pending.Add(1)
	b.mu.Unlock()

	b.signal()
	return nil
}

// overflow applies the eviction policy to an arriving value that found no
// free slot.
func (b *Buffer[T]) overflow(v T) error {
	if b.opts.EvictionPolicy == concurrency.EvictDropOldest {
		b.mu.Lock()
		if !b.closed && len(b.queue) > 0 {
			oldest := b.queue[0]
			var zero T
			b.queue[0] = zero
			b.queue = append(b.queue[1:], v)
			b.mu.Unlock()

			b.evicted.Add(1)
			if b.onEvict != nil {
				b.onEvict(oldest)
			}
			b.signal()
			return nil
		}
		b.mu.Unlock()
	}

	// Nothing unsealed to drop, or reject-newest
	b.evicted.Add(1)
	return dispatcherrors.NewCapacityExceeded("node buffer is full")
}

// Batches returns the channel of sealed batches, in sealing order. It is
// closed once the buffer is closed.
func (b *Buffer[T]) Batches() <-chan []T {
	return b.out
}

// Len returns the number of pending values, including a sealed batch that
// has not been handed off yet.
func (b *Buffer[T]) Len() int {
	return int(b.pending.Load())
}

// Full reports whether a bounded buffer has no free capacity.
func (b *Buffer[T]) Full() bool {
	return b.opts.BufferCapacity > 0 && b.Len() >= b.opts.BufferCapacity
}

// Evicted returns the cumulative number of evicted values.
func (b *Buffer[T]) Evicted() int64 {
	return b.evicted.Load()
}

// Close stops the windowing goroutine and closes the batch channel. The first
// call returns every value that was never handed off, in arrival order.
// Later calls return nil.
func (b *Buffer[T]) Close() []T {
	var rest []T
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()
		<-b.done

		b.mu.Lock()
		rest = append(b.inHand, b.queue...)
		b.inHand = nil
		b.queue = nil
		b.mu.Unlock()

		b.pending.Store(0)
		close(b.out)
	})
	return rest
}

func (b *Buffer[T]) run() {
	defer close(b.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		batch, wait := b.seal()
		if batch == nil {
			if wait > 0 {
				timer.Reset(wait)
			}
			select {
			case <-b.notify:
			case <-timer.C:
			case <-b.ctx.Done():
				return
			}
			timer.Stop()
			continue
		}

		if b.limiter != nil {
			if err := b.limiter.WaitN(b.ctx, len(batch)); err != nil {
				return
			}
		}

		select {
		case b.out <- batch:
			b.mu.Lock()
			b.inHand = nil
			b.mu.Unlock()
			b.pending.Add(-int64(len(batch)))
			b.releaseSlots(len(batch))
		case <-b.ctx.Done():
			return
		}
	}
}

// seal cuts the next batch if one is due. Otherwise it returns how long the
// current window still has to run, or zero when nothing is queued.
func (b *Buffer[T]) seal() ([]T, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.queue)
	if n == 0 {
		return nil, 0
	}

	size := n
	throttle := b.opts.NodeThrottling
	switch {
	case throttle > 0 && n >= throttle:
		size = throttle
	case b.opts.Window > 0:
		if elapsed := time.Since(b.windowStart); elapsed < b.opts.Window {
			return nil, b.opts.Window - elapsed
		}
	}

	batch := make([]T, size)
	copy(batch, b.queue)
	var zero T
	for i := 0; i < size; i++ {
		b.queue[i] = zero
	}
	b.queue = b.queue[size:]
	if len(b.queue) == 0 {
		b.queue = nil
	} else {
		b.windowStart = time.Now()
	}
	b.inHand = batch
	return batch, 0
}

func (b *Buffer[T]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer[T]) releaseSlots(n int) {
	if b.slots == nil {
		return
	}
	for i := 0; i < n; i++ {
		<-b.slots
	}
}

func (b *Buffer[T]) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
