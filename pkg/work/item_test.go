package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
)

func TestItemResolvesExactlyOnce(t *testing.T) {
	var concluded atomic.Int32
	it := NewItem[string, int](context.Background(), "payload", func() { concluded.Add(1) })

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			switch i % 3 {
			case 0:
				won = it.Complete(i)
			case 1:
				won = it.Fail(errors.New("boom"))
			default:
				won = it.Cancel()
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), concluded.Load())
	assert.True(t, it.Done())
}

func TestItemCompleteDeliversValue(t *testing.T) {
	it := NewItem[string, int](context.Background(), "payload", nil)
	require.True(t, it.Complete(42))

	value, err := it.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.False(t, it.Fail(errors.New("late")))
}

func TestItemFailClassifiesUnknownErrors(t *testing.T) {
	cause := errors.New("disk full")
	it := NewItem[string, int](context.Background(), "payload", nil)
	it.Fail(cause)

	_, err := it.Future().Result()
	assert.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	assert.ErrorIs(t, err, cause)
}

func TestItemFailKeepsClassifiedErrors(t *testing.T) {
	it := NewItem[string, int](context.Background(), "payload", nil)
	it.Fail(dispatcherrors.NewFaulted("panic", nil))

	_, err := it.Future().Result()
	assert.Equal(t, dispatcherrors.CodeFaulted, dispatcherrors.CodeOf(err))
}

func TestItemCancelledByCallerContext(t *testing.T) {
	var concluded atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	it := NewItem[string, int](ctx, "payload", func() { concluded.Add(1) })

	cancel()

	select {
	case <-it.Future().Done():
	case <-time.After(time.Second):
		t.Fatal("future was not resolved after cancellation")
	}
	_, err := it.Future().Result()
	assert.ErrorIs(t, err, dispatcherrors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, concluded.Load(), "caller cancellation is not a processed conclusion")
	assert.False(t, it.Complete(1))
}

func TestItemRejectDoesNotCountAsProcessed(t *testing.T) {
	var concluded atomic.Int32
	it := NewItem[string, int](context.Background(), "payload", func() { concluded.Add(1) })

	assert.True(t, it.Reject(dispatcherrors.NewCapacityExceeded("evicted")))
	assert.Zero(t, concluded.Load())

	_, err := it.Future().Result()
	assert.True(t, dispatcherrors.IsCapacityExceeded(err))
}

func TestFutureWaitHonorsContext(t *testing.T) {
	it := NewItem[string, int](context.Background(), "payload", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := it.Future().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, it.Done(), "waiting must not resolve the future")
}

func TestBatchHelpers(t *testing.T) {
	items := []*Item[int, int]{
		NewItem[int, int](context.Background(), 1, nil),
		NewItem[int, int](context.Background(), 2, nil),
		NewItem[int, int](context.Background(), 3, nil),
	}
	b := &Batch[int, int]{Seq: 1, Items: items}
	items[1].Complete(20)

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{1, 2, 3}, b.Payloads())
	assert.Len(t, b.Pending(), 2)
	assert.Equal(t, 2, b.RejectPending(dispatcherrors.NewCancelled("shutdown", nil)))
	assert.Empty(t, b.Pending())
	assert.Zero(t, b.FailPending(errors.New("late")))
}
