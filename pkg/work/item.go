// Package work defines the unit of work flowing through a dispatch node: an
// Item carrying its payload and completion handle, and the Batch sealed by
// the windowing buffer.
package work

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
)

// Item is a single unit of input owned by the pipeline until its Future is
// resolved.
//
// Complete, Fail and Cancel are the processor-side conclusions and invoke the
// onConclude hook when they win the resolution. Reject is used for outcomes
// decided outside a processor (eviction, shutdown, caller cancellation) and
// never invokes the hook.
type Item[In, Out any] struct {
	ID         string
	Payload    In
	EnqueuedAt time.Time

	ctx        context.Context
	future     *Future[Out]
	onConclude func()
	stopWatch  func() bool
	attempts   atomic.Int32
}

// NewItem creates an item whose cancel signal is ctx. When ctx is cancelled
// before the item concludes, the future resolves with a CANCELLED error.
func NewItem[In, Out any](ctx context.Context, payload In, onConclude func()) *Item[In, Out] {
	if ctx == nil {
		ctx = context.Background()
	}
	it := &Item[In, Out]{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		future:     newFuture[Out](),
		onConclude: onConclude,
	}
	it.stopWatch = context.AfterFunc(ctx, func() {
		var zero Out
		it.future.resolve(zero, dispatcherrors.NewCancelled("item cancelled before completion", context.Cause(ctx)), nil)
	})
	return it
}

// Context returns the item's cancel signal.
func (it *Item[In, Out]) Context() context.Context {
	return it.ctx
}

// Future returns the completion handle.
func (it *Item[In, Out]) Future() *Future[Out] {
	return it.future
}

// Done reports whether the item has already been resolved.
func (it *Item[In, Out]) Done() bool {
	return it.future.Resolved()
}

// Attempt records a processing attempt and returns the running count.
func (it *Item[In, Out]) Attempt() int {
	return int(it.attempts.Add(1))
}

// Attempts returns the number of recorded processing attempts.
func (it *Item[In, Out]) Attempts() int {
	return int(it.attempts.Load())
}

// Complete resolves the item with a result.
func (it *Item[In, Out]) Complete(value Out) bool {
	return it.conclude(value, nil)
}

// Fail resolves the item with err. Errors that are not already classified
// are wrapped as PROCESSING_FAILED, or CANCELLED for context errors.
func (it *Item[In, Out]) Fail(err error) bool {
	var zero Out
	return it.conclude(zero, classify(err))
}

// Cancel resolves the item as CANCELLED by the processor.
func (it *Item[In, Out]) Cancel() bool {
	var zero Out
	return it.conclude(zero, dispatcherrors.NewCancelled("item processing cancelled", context.Cause(it.ctx)))
}

// Reject resolves the item with err without counting it as processed.
func (it *Item[In, Out]) Reject(err error) bool {
	var zero Out
	if !it.future.resolve(zero, err, nil) {
		return false
	}
	it.release()
	return true
}

// conclude runs the hook before waiters wake, so counters already include
// the item when its future is observed as done.
func (it *Item[In, Out]) conclude(value Out, err error) bool {
	if !it.future.resolve(value, err, it.onConclude) {
		return false
	}
	it.release()
	return true
}

func classify(err error) error {
	var classified *dispatcherrors.Error
	switch {
	case err == nil:
		return dispatcherrors.NewFaulted("item failed without an error", nil)
	case errors.As(err, &classified):
		return err
	case dispatcherrors.IsCancellation(err):
		return dispatcherrors.NewCancelled("item processing cancelled", err)
	default:
		return dispatcherrors.NewProcessingFailed("item processing failed", err)
	}
}

func (it *Item[In, Out]) release() {
	if it.stopWatch != nil {
		it.stopWatch()
	}
}
