// Package node implements a dispatch node: a windowing buffer feeding a
// single sequential dispatch loop that runs every batch through a circuit
// breaker into a local or remote processor, plus the aggregator that
// heartbeats the node and publishes its metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Dispatch/pkg/buffer"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	"github.com/wehubfusion/Dispatch/pkg/deadletter"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Processor executes a batch and resolves the completion handle of each of
// its pending items. The returned error reflects the batch outcome for the
// circuit breaker: nil when every item succeeded, a cancellation error when
// the batch context was cancelled, any other error otherwise.
type Processor[In, Out any] interface {
	Process(ctx context.Context, batch *work.Batch[In, Out]) error
}

// HeartBeater is implemented by processors whose liveness must be probed.
type HeartBeater interface {
	HeartBeat(ctx context.Context, nodeID string) error
}

// HealthSource is implemented by processors that receive health reports.
type HealthSource interface {
	LastHealth() *metrics.NodeHealth
}

// DeadLetterSink receives evicted and failed items. Offer must not block.
type DeadLetterSink interface {
	Offer(entry deadletter.Entry) bool
}

// Config configures a node.
type Config struct {
	// ID identifies the node in metrics; generated when empty
	ID string

	Options concurrency.ClusterOptions
	Breaker concurrency.CircuitBreakerOptions

	Logger *zap.Logger

	// Hub receives a NodeMetrics snapshot once per aggregator tick
	Hub *metrics.Hub

	// DeadLetter is optional
	DeadLetter DeadLetterSink
}

// Node owns one processor and the pipeline in front of it.
type Node[In, Out any] struct {
	id         string
	opts       concurrency.ClusterOptions
	logger     *zap.Logger
	hub        *metrics.Hub
	deadLetter DeadLetterSink
	tracer     trace.Tracer

	buffer    *buffer.Buffer[*work.Item[In, Out]]
	breaker   *concurrency.CircuitBreaker
	processor Processor[In, Out]

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	aggDone  chan struct{}

	seq               atomic.Uint64
	processedTick     atomic.Int64
	processedTotal    atomic.Int64
	heartbeatFailures atomic.Int32
	snapshot          atomic.Pointer[metrics.NodeMetrics]

	closeOnce sync.Once
	closeErr  error
}

// New creates a node around a custom processor and starts it.
func New[In, Out any](cfg Config, processor Processor[In, Out]) (*Node[In, Out], error) {
	n, err := newNode(cfg, processor)
	if err != nil {
		return nil, err
	}
	n.start()
	return n, nil
}

// NewLocalNode creates a node that runs fn in-process for every item.
func NewLocalNode[In, Out any](cfg Config, fn ProcessFunc[In, Out]) (*Node[In, Out], error) {
	if fn == nil {
		return nil, errors.New("process function cannot be nil")
	}
	opts, err := resolveOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	return New[In, Out](cfg, NewLocalProcessor(fn, opts.MaxConcurrency))
}

// NewLocalBatchNode creates a node that runs fn in-process once per batch.
func NewLocalBatchNode[In, Out any](cfg Config, fn BatchFunc[In, Out]) (*Node[In, Out], error) {
	if fn == nil {
		return nil, errors.New("batch function cannot be nil")
	}
	return New[In, Out](cfg, NewLocalBatchProcessor(fn))
}

// NewRemoteNode creates a node that forwards items to a remote worker
// through contract. When contract also implements HealthSubscriber, the
// node subscribes to its health stream once, here.
func NewRemoteNode[In, Out any](cfg Config, contract Contract[In, Out]) (*Node[In, Out], error) {
	if contract == nil {
		return nil, errors.New("contract cannot be nil")
	}
	opts, err := resolveOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	cfg.Options = opts
	processor := NewRemoteProcessor(contract, opts, cfg.Logger)
	n, err := newNode[In, Out](cfg, processor)
	if err != nil {
		return nil, err
	}
	processor.nodeMetrics = n.Metrics
	if err := processor.subscribe(); err != nil {
		n.logger.Warn("Failed to subscribe to remote health stream, continuing without it",
			zap.String("node_id", n.id), zap.Error(err))
	}
	n.start()
	return n, nil
}

func newNode[In, Out any](cfg Config, processor Processor[In, Out]) (*Node[In, Out], error) {
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	opts, err := resolveOptions(cfg.Options)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger = logger.With(zap.String("node_id", id))

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node[In, Out]{
		id:         id,
		opts:       opts,
		logger:     logger,
		hub:        cfg.Hub,
		deadLetter: cfg.DeadLetter,
		tracer:     otel.Tracer("dispatch/node"),
		breaker:    concurrency.NewCircuitBreaker(cfg.Breaker, logger),
		processor:  processor,
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		aggDone:    make(chan struct{}),
	}
	n.buffer = buffer.New(opts, n.evicted)

	// Nodes that are heartbeated stay not alive until their first heartbeat
	_, probed := processor.(HeartBeater)
	initial := n.collect(!probed)
	n.snapshot.Store(&initial)
	return n, nil
}

// resolveOptions replaces zero options with the defaults, validates them
// and fills the heartbeat settings. Every processor of a node is built from
// the resolved options.
func resolveOptions(opts concurrency.ClusterOptions) (concurrency.ClusterOptions, error) {
	if opts == (concurrency.ClusterOptions{}) {
		opts = concurrency.DefaultClusterOptions()
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid cluster options: %w", err)
	}
	defaults := concurrency.DefaultClusterOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	return opts, nil
}

func (n *Node[In, Out]) start() {
	go n.dispatchLoop()
	go n.runAggregator()

	n.logger.Info("Node started", zap.String("options", n.opts.String()))
}

// ID returns the node id.
func (n *Node[In, Out]) ID() string {
	return n.id
}

// Breaker exposes the node's circuit breaker for observation.
func (n *Node[In, Out]) Breaker() *concurrency.CircuitBreaker {
	return n.breaker
}

// Submit hands in to the pipeline and returns its completion handle. ctx is
// the item's cancel signal: cancelling it resolves the future as CANCELLED
// if the item has not concluded yet.
func (n *Node[In, Out]) Submit(ctx context.Context, in In) *work.Future[Out] {
	if ctx == nil {
		ctx = context.Background()
	}
	item := work.NewItem[In, Out](ctx, in, n.concluded)

	if err := n.buffer.Add(ctx, item); err != nil {
		switch {
		case dispatcherrors.IsCapacityExceeded(err):
			if item.Reject(err) {
				n.offerDeadLetter(item, err)
			}
			n.logger.Debug("Item evicted, node buffer is full", zap.String("item_id", item.ID))
		case errors.Is(err, dispatcherrors.ErrClosed):
			item.Reject(dispatcherrors.NewCancelled("node is closed", err))
		default:
			item.Reject(err)
		}
	}
	return item.Future()
}

// Metrics returns the snapshot published by the last aggregator tick.
func (n *Node[In, Out]) Metrics() metrics.NodeMetrics {
	return *n.snapshot.Load()
}

// Close stops intake and waits for the in-flight batch, which observes the
// cancellation, to reach a terminal outcome. Items still buffered resolve as
// CANCELLED and processor subscriptions are released. Close is idempotent.
func (n *Node[In, Out]) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		rest := n.buffer.Close()
		<-n.loopDone
		<-n.aggDone

		cancelled := 0
		for _, item := range rest {
			if item.Reject(dispatcherrors.NewCancelled("node closed before dispatch", dispatcherrors.ErrClosed)) {
				cancelled++
			}
		}

		if closer, ok := n.processor.(io.Closer); ok {
			n.closeErr = closer.Close()
		}
		n.logger.Info("Node closed",
			zap.Int("cancelled_items", cancelled),
			zap.Int64("total_processed", n.processedTotal.Load()))
	})
	return n.closeErr
}

// concluded is the item hook for processor-side conclusions.
func (n *Node[In, Out]) concluded() {
	n.processedTick.Add(1)
	n.processedTotal.Add(1)
}

// evicted resolves an item dropped by the drop-oldest policy.
func (n *Node[In, Out]) evicted(item *work.Item[In, Out]) {
	err := dispatcherrors.NewCapacityExceeded("evicted to admit a newer item")
	if item.Reject(err) {
		n.offerDeadLetter(item, err)
	}
}

func (n *Node[In, Out]) offerDeadLetter(item *work.Item[In, Out], err error) {
	if n.deadLetter == nil {
		return
	}
	entry := deadletter.Entry{
		ID:         uuid.NewString(),
		NodeID:     n.id,
		ItemID:     item.ID,
		Code:       dispatcherrors.CodeOf(err),
		Reason:     err.Error(),
		Payload:    item.Payload,
		Attempts:   item.Attempts(),
		EnqueuedAt: item.EnqueuedAt,
		RecordedAt: time.Now(),
	}
	if !n.deadLetter.Offer(entry) {
		n.logger.Warn("Dead-letter recorder is saturated, dropping entry", zap.String("item_id", item.ID))
	}
}
