package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	"github.com/wehubfusion/Dispatch/pkg/deadletter"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.uber.org/zap"
)

func testOptions() concurrency.ClusterOptions {
	opts := concurrency.DefaultClusterOptions()
	opts.Window = 5 * time.Millisecond
	opts.NodeThrottling = 10
	opts.RetryBaseDelay = time.Millisecond
	opts.HeartbeatInterval = time.Hour
	return opts
}

func await[T any](t *testing.T, f *work.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future was not resolved in time")
	}
	return f.Result()
}

func TestLocalNodeSealsTwoOrderedBatches(t *testing.T) {
	opts := testOptions()
	opts.Window = time.Second
	opts.NodeThrottling = 5

	var mu sync.Mutex
	var batches [][]int
	n, err := NewLocalBatchNode(Config{Options: opts}, func(_ context.Context, in []int) ([]int, error) {
		mu.Lock()
		batches = append(batches, append([]int(nil), in...))
		mu.Unlock()
		out := make([]int, len(in))
		for i, v := range in {
			out[i] = v * 10
		}
		return out, nil
	})
	require.NoError(t, err)
	defer n.Close()

	futures := make([]*work.Future[int], 10)
	for i := range futures {
		futures[i] = n.Submit(context.Background(), i)
	}
	for i, f := range futures {
		v, err := await(t, f)
		require.NoError(t, err)
		assert.Equal(t, i*10, v)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]int{{0, 1, 2, 3, 4}, {5, 6, 7, 8, 9}}, batches)
}

func TestNodeProcessesOneBatchAtATime(t *testing.T) {
	opts := testOptions()
	opts.NodeThrottling = 3

	var inFlight, peak atomic.Int32
	n, err := NewLocalBatchNode(Config{Options: opts}, func(_ context.Context, in []int) ([]int, error) {
		current := inFlight.Add(1)
		for {
			p := peak.Load()
			if current <= p || peak.CompareAndSwap(p, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return in, nil
	})
	require.NoError(t, err)
	defer n.Close()

	var futures []*work.Future[int]
	for i := 0; i < 15; i++ {
		futures = append(futures, n.Submit(context.Background(), i))
	}
	for _, f := range futures {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestLocalNodeFailureIsProcessingFailed(t *testing.T) {
	cause := errors.New("index unavailable")
	n, err := NewLocalNode(Config{Options: testOptions()}, func(_ context.Context, in string) (string, error) {
		if in == "bad" {
			return "", cause
		}
		return in + "!", nil
	})
	require.NoError(t, err)
	defer n.Close()

	good := n.Submit(context.Background(), "good")
	bad := n.Submit(context.Background(), "bad")

	v, err := await(t, good)
	require.NoError(t, err)
	assert.Equal(t, "good!", v)

	_, err = await(t, bad)
	assert.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	assert.ErrorIs(t, err, cause)
}

func TestEvictedItemsNeverReachTheProcessor(t *testing.T) {
	opts := testOptions()
	opts.Window = 200 * time.Millisecond
	opts.NodeThrottling = 2
	opts.BufferCapacity = 2

	started := make(chan struct{}, 10)
	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []string

	n, err := NewLocalNode(Config{Options: opts}, func(_ context.Context, in string) (string, error) {
		mu.Lock()
		seen = append(seen, in)
		mu.Unlock()
		started <- struct{}{}
		<-gate
		return in, nil
	})
	require.NoError(t, err)
	defer n.Close()

	first := []*work.Future[string]{n.Submit(context.Background(), "a"), n.Submit(context.Background(), "b")}
	<-started

	second := []*work.Future[string]{n.Submit(context.Background(), "c"), n.Submit(context.Background(), "d")}
	require.Eventually(t, n.buffer.Full, time.Second, time.Millisecond)

	evicted := []*work.Future[string]{n.Submit(context.Background(), "e"), n.Submit(context.Background(), "f")}
	for _, f := range evicted {
		_, err := await(t, f)
		assert.ErrorIs(t, err, dispatcherrors.ErrCapacityExceeded)
	}
	assert.Equal(t, int64(2), n.buffer.Evicted())

	close(gate)
	for _, f := range append(first, second...) {
		_, err := await(t, f)
		require.NoError(t, err)
	}

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
	mu.Unlock()

	m := n.refresh(context.Background())
	assert.Equal(t, int64(2), m.ItemsEvicted)
	assert.Equal(t, int64(4), m.TotalItemsProcessed)
}

func TestOpenBreakerSkipsProcessor(t *testing.T) {
	var calls atomic.Int32
	n, err := NewLocalNode(Config{
		Options: testOptions(),
		Breaker: concurrency.CircuitBreakerOptions{
			FailureThreshold:  1,
			SamplingDuration:  time.Minute,
			MinimumThroughput: 1,
			DurationOfBreak:   time.Minute,
		},
	}, func(context.Context, int) (int, error) {
		calls.Add(1)
		return 0, errors.New("downstream down")
	})
	require.NoError(t, err)
	defer n.Close()

	_, err = await(t, n.Submit(context.Background(), 1))
	require.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	// The outcome is recorded once the attempt returns
	require.Eventually(t, func() bool { return n.Breaker().GetState() == concurrency.StateOpen },
		time.Second, time.Millisecond)

	_, err = await(t, n.Submit(context.Background(), 2))
	assert.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	assert.ErrorIs(t, err, dispatcherrors.ErrBreakerOpen)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "open", n.refresh(context.Background()).BreakerState)
}

func TestProcessorPanicDoesNotStopTheLoop(t *testing.T) {
	n, err := NewLocalBatchNode(Config{Options: testOptions()}, func(_ context.Context, in []string) ([]string, error) {
		if in[0] == "boom" {
			panic("corrupt payload")
		}
		return in, nil
	})
	require.NoError(t, err)
	defer n.Close()

	_, err = await(t, n.Submit(context.Background(), "boom"))
	assert.ErrorIs(t, err, dispatcherrors.ErrFaulted)

	v, err := await(t, n.Submit(context.Background(), "fine"))
	require.NoError(t, err)
	assert.Equal(t, "fine", v)
}

func TestCloseResolvesBufferedItems(t *testing.T) {
	opts := testOptions()
	opts.Window = time.Hour
	opts.NodeThrottling = 100

	n, err := NewLocalNode(Config{Options: opts}, func(_ context.Context, in int) (int, error) {
		return in, nil
	})
	require.NoError(t, err)

	futures := []*work.Future[int]{
		n.Submit(context.Background(), 1),
		n.Submit(context.Background(), 2),
		n.Submit(context.Background(), 3),
	}
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	for _, f := range futures {
		require.True(t, f.Resolved())
		_, err := f.Result()
		assert.ErrorIs(t, err, dispatcherrors.ErrCancelled)
		assert.ErrorIs(t, err, dispatcherrors.ErrClosed)
	}

	_, err = await(t, n.Submit(context.Background(), 4))
	assert.ErrorIs(t, err, dispatcherrors.ErrCancelled)
}

func TestThroughputResetsEveryTick(t *testing.T) {
	n, err := NewLocalNode(Config{Options: testOptions()}, func(_ context.Context, in int) (int, error) {
		return in, nil
	})
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 3; i++ {
		_, err := await(t, n.Submit(context.Background(), i))
		require.NoError(t, err)
	}

	m := n.refresh(context.Background())
	assert.Equal(t, int64(3), m.CurrentThroughput)
	assert.Equal(t, int64(3), m.TotalItemsProcessed)
	assert.True(t, m.Alive)

	m = n.refresh(context.Background())
	assert.Zero(t, m.CurrentThroughput)
	assert.Equal(t, int64(3), m.TotalItemsProcessed)
	assert.Equal(t, m, n.Metrics())
}

func TestAggregatorPublishesToHub(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	hub := metrics.NewHub()

	received := make(chan metrics.NodeMetrics, 100)
	unsubscribe := hub.Subscribe(func(m metrics.NodeMetrics) {
		select {
		case received <- m:
		default:
		}
	})
	defer unsubscribe()

	n, err := NewLocalNode(Config{ID: "local-1", Options: opts, Hub: hub}, func(_ context.Context, in int) (int, error) {
		return in, nil
	})
	require.NoError(t, err)
	defer n.Close()

	select {
	case m := <-received:
		assert.Equal(t, "local-1", m.ID)
		assert.True(t, m.Alive)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	_, ok := hub.Latest("local-1")
	assert.True(t, ok)
}

func TestFailedItemsAreDeadLettered(t *testing.T) {
	sink := deadletter.NewMemorySink()
	recorder := deadletter.NewRecorder(sink, 10, zap.NewNop())

	n, err := NewLocalNode(Config{Options: testOptions(), DeadLetter: recorder}, func(_ context.Context, in string) (string, error) {
		return "", fmt.Errorf("cannot handle %s", in)
	})
	require.NoError(t, err)

	_, err = await(t, n.Submit(context.Background(), "payload-1"))
	require.Error(t, err)
	require.NoError(t, n.Close())
	recorder.Close()

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, dispatcherrors.CodeProcessingFailed, entries[0].Code)
	assert.Equal(t, "payload-1", entries[0].Payload)
	assert.Equal(t, n.ID(), entries[0].NodeID)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.RetryAttempts = -1
	_, err := NewLocalNode(Config{Options: opts}, func(_ context.Context, in int) (int, error) { return in, nil })
	assert.ErrorContains(t, err, "invalid cluster options")

	_, err = NewRemoteNode[string, string](Config{Options: opts}, &fakeContract{})
	assert.ErrorContains(t, err, "invalid cluster options")

	_, err = NewLocalNode[int, int](Config{}, nil)
	assert.Error(t, err)
}
