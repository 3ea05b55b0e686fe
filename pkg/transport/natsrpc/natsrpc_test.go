package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Dispatch/pkg/codec"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/node"
)

// memBus is an in-memory stand-in for a NATS connection. Handlers run on
// their own goroutines as they would with a real connection.
type memBus struct {
	mu    sync.Mutex
	subs  map[string][]*memSub
	inbox atomic.Int64
}

type memSub struct {
	bus     *memBus
	subject string
	queue   string
	cb      nats.MsgHandler
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]*memSub)}
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return nats.ErrBadSubscription
}

func (b *memBus) Subscribe(subj string, cb nats.MsgHandler) (Subscription, error) {
	return b.QueueSubscribe(subj, "", cb)
}

func (b *memBus) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSub{bus: b, subject: subj, queue: queue, cb: cb}
	b.subs[subj] = append(b.subs[subj], sub)
	return sub, nil
}

func (b *memBus) deliver(msg *nats.Msg) int {
	b.mu.Lock()
	var targets []*memSub
	queues := make(map[string]bool)
	for _, sub := range b.subs[msg.Subject] {
		if sub.queue != "" {
			if queues[sub.queue] {
				continue
			}
			queues[sub.queue] = true
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		m := &nats.Msg{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}
		go sub.cb(m)
	}
	return len(targets)
}

func (b *memBus) Publish(subj string, data []byte) error {
	b.deliver(&nats.Msg{Subject: subj, Data: data})
	return nil
}

func (b *memBus) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	inbox := fmt.Sprintf("_INBOX.%d", b.inbox.Add(1))
	replies := make(chan *nats.Msg, 1)
	sub, _ := b.Subscribe(inbox, func(m *nats.Msg) {
		select {
		case replies <- m:
		default:
		}
	})
	defer sub.Unsubscribe()

	if b.deliver(&nats.Msg{Subject: subj, Reply: inbox, Data: data}) == 0 {
		return nil, nats.ErrNoResponders
	}
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testOptions(machine string) Options {
	return Options{Subjects: Subjects{Prefix: "dispatch", Machine: machine}}
}

func upper(_ context.Context, in string, _ metrics.NodeMetrics) (string, error) {
	return strings.ToUpper(in), nil
}

func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "prod.dispatch", Machine: "worker-1"}
	assert.Equal(t, "prod.dispatch.worker-1.process", s.Process())
	assert.Equal(t, "prod.dispatch.worker-1.heartbeat", s.Heartbeat())
	assert.Equal(t, "prod.dispatch.worker-1.health", s.Health())

	_, err := NewContract[string, string](newMemBus(), testOptions("bad.name"))
	assert.Error(t, err)
	_, err = NewContract[string, string](newMemBus(), Options{Subjects: Subjects{Machine: "w"}})
	assert.Error(t, err)
	_, err = NewContract[string, string](nil, testOptions("w"))
	assert.Error(t, err)
}

func TestProcessRoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			bus := newMemBus()
			opts := testOptions("worker-1")
			opts.Codec = c

			var seen atomic.Value
			server, err := NewServer(bus, opts, func(ctx context.Context, in string, m metrics.NodeMetrics) (string, error) {
				seen.Store(m)
				return upper(ctx, in, m)
			})
			require.NoError(t, err)
			defer server.Close()

			contract, err := NewContract[string, string](bus, opts)
			require.NoError(t, err)

			out, err := contract.ProcessRemotely(context.Background(), "hello", metrics.NodeMetrics{ID: "node-1", Alive: true})
			require.NoError(t, err)
			assert.Equal(t, "HELLO", out)
			assert.Equal(t, "node-1", seen.Load().(metrics.NodeMetrics).ID)
		})
	}
}

func TestHandlerErrorsKeepTheirCode(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("worker-1")
	server, err := NewServer(bus, opts, func(_ context.Context, in string, _ metrics.NodeMetrics) (string, error) {
		switch in {
		case "plain":
			return "", errors.New("index is read-only")
		case "panic":
			panic("boom")
		default:
			return "", dispatcherrors.NewRemoteUnavailable("downstream search is down", nil)
		}
	})
	require.NoError(t, err)
	defer server.Close()

	contract, err := NewContract[string, string](bus, opts)
	require.NoError(t, err)

	_, err = contract.ProcessRemotely(context.Background(), "plain", metrics.NodeMetrics{})
	assert.ErrorIs(t, err, dispatcherrors.ErrProcessingFailed)
	assert.Contains(t, err.Error(), "index is read-only")

	_, err = contract.ProcessRemotely(context.Background(), "classified", metrics.NodeMetrics{})
	assert.ErrorIs(t, err, dispatcherrors.ErrRemoteUnavailable)

	_, err = contract.ProcessRemotely(context.Background(), "panic", metrics.NodeMetrics{})
	assert.ErrorIs(t, err, dispatcherrors.ErrFaulted)
}

func TestProcessFailureCode(t *testing.T) {
	assert.Equal(t, dispatcherrors.CodeProcessingFailed, processFailureCode(errors.New("index is read-only")))
	assert.Equal(t, dispatcherrors.CodeProcessingFailed, processFailureCode(fmt.Errorf("wrapped: %w", errors.New("bad row"))))
	assert.Equal(t, dispatcherrors.CodeRemoteUnavailable, processFailureCode(dispatcherrors.NewRemoteUnavailable("down", nil)))
	assert.Equal(t, dispatcherrors.CodeFaulted, processFailureCode(dispatcherrors.NewFaulted("bug", nil)))
	assert.Equal(t, dispatcherrors.CodeCancelled, processFailureCode(context.Canceled))
}

func TestNoRespondersIsRemoteUnavailable(t *testing.T) {
	contract, err := NewContract[string, string](newMemBus(), testOptions("nobody"))
	require.NoError(t, err)

	_, err = contract.ProcessRemotely(context.Background(), "x", metrics.NodeMetrics{})
	assert.ErrorIs(t, err, dispatcherrors.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, nats.ErrNoResponders)

	err = contract.HeartBeat(context.Background(), "node-1")
	assert.ErrorIs(t, err, dispatcherrors.ErrRemoteUnavailable)
}

func TestCancelledRequestIsCancellation(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("slow")
	release := make(chan struct{})
	server, err := NewServer(bus, opts, func(ctx context.Context, in string, _ metrics.NodeMetrics) (string, error) {
		<-release
		return in, nil
	})
	require.NoError(t, err)
	defer server.Close()
	defer close(release)

	contract, err := NewContract[string, string](bus, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = contract.ProcessRemotely(ctx, "x", metrics.NodeMetrics{})
	assert.True(t, dispatcherrors.IsCancellation(err))
}

func TestHeartbeatStopsAfterServerClose(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("worker-2")
	server, err := NewServer(bus, opts, upper)
	require.NoError(t, err)

	contract, err := NewContract[string, string](bus, opts)
	require.NoError(t, err)
	require.NoError(t, contract.HeartBeat(context.Background(), "node-1"))

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	err = contract.HeartBeat(context.Background(), "node-1")
	assert.ErrorIs(t, err, dispatcherrors.ErrRemoteUnavailable)
}

func TestHealthReportsReachSubscribers(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("worker-3")
	server, err := NewServer(bus, opts, upper)
	require.NoError(t, err)
	defer server.Close()

	contract, err := NewContract[string, string](bus, opts)
	require.NoError(t, err)

	reports := make(chan metrics.NodeHealth, 4)
	unsubscribe, err := contract.SubscribeHealth(func(h metrics.NodeHealth) { reports <- h })
	require.NoError(t, err)

	require.NoError(t, server.PublishHealth(metrics.NodeHealth{CPUUsage: 71.5, MemoryUsage: 30}))
	select {
	case h := <-reports:
		assert.Equal(t, "worker-3", h.MachineName)
		assert.InDelta(t, 71.5, h.CPUUsage, 0.001)
		assert.False(t, h.ReportedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("health report not delivered")
	}

	require.NoError(t, unsubscribe())
	require.NoError(t, unsubscribe())

	require.NoError(t, server.PublishHealth(metrics.NodeHealth{CPUUsage: 10}))
	select {
	case h := <-reports:
		t.Fatalf("unexpected report after unsubscribe: %+v", h)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReportHealthPublishesEveryInterval(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("worker-4")
	server, err := NewServer(bus, opts, upper)
	require.NoError(t, err)
	defer server.Close()

	var count atomic.Int32
	_, err = bus.Subscribe(opts.Subjects.Health(), func(*nats.Msg) { count.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.ReportHealth(ctx, 5*time.Millisecond, func() metrics.NodeHealth { return metrics.NodeHealth{CPUUsage: 5} })
		close(done)
	}()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRemoteNodeOverNATS(t *testing.T) {
	bus := newMemBus()
	opts := testOptions("worker-5")
	server, err := NewServer(bus, opts, upper)
	require.NoError(t, err)
	defer server.Close()

	contract, err := NewContract[string, string](bus, opts)
	require.NoError(t, err)

	clusterOpts := concurrency.DefaultClusterOptions()
	clusterOpts.Window = 5 * time.Millisecond
	clusterOpts.HeartbeatInterval = time.Hour
	n, err := node.NewRemoteNode[string, string](node.Config{ID: "remote-1", Options: clusterOpts}, contract)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, server.PublishHealth(metrics.NodeHealth{CPUUsage: 12}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := n.Submit(ctx, "dispatch me").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DISPATCH ME", out)
}
