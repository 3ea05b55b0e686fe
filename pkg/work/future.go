package work

import (
	"context"
	"sync"
)

// Future is the caller-visible completion handle of a work item. It is
// resolved exactly once; later resolutions are ignored.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err, nil)
	return f
}

// resolve stores the outcome if the future is still pending and reports
// whether this call won. before, when set, runs for the winning call ahead of
// waking waiters.
func (f *Future[T]) resolve(value T, err error, before func()) (won bool) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		if before != nil {
			before()
		}
		close(f.done)
		won = true
	})
	return won
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the future has been resolved.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is resolved or ctx is done. A ctx error is
// returned as-is and does not resolve the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. It must only be relied upon
// once Done is closed; a pending future yields the zero value and nil.
func (f *Future[T]) Result() (T, error) {
	if !f.Resolved() {
		var zero T
		return zero, nil
	}
	return f.value, f.err
}
