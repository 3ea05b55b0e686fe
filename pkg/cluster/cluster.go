// Package cluster places submissions on a set of dispatch nodes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.uber.org/zap"
)

// Host locates a remote node. Hosts are supplied by whoever deploys the
// cluster; there is no discovery.
type Host struct {
	MachineName string
	Port        int
}

func (h Host) String() string {
	if h.Port == 0 {
		return h.MachineName
	}
	return net.JoinHostPort(h.MachineName, strconv.Itoa(h.Port))
}

// Node is the part of a dispatch node the cluster uses.
type Node[In, Out any] interface {
	ID() string
	Submit(ctx context.Context, in In) *work.Future[Out]
	Metrics() metrics.NodeMetrics
	Close() error
}

// Cluster round-robins submissions over nodes that are alive and not full.
// When none qualifies it falls back to plain round-robin so the chosen
// node's own eviction policy decides.
type Cluster[In, Out any] struct {
	nodes  []Node[In, Out]
	hub    *metrics.Hub
	logger *zap.Logger

	next      atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a cluster over nodes. hub may be nil, in which case each
// node's own snapshot is consulted.
func New[In, Out any](nodes []Node[In, Out], hub *metrics.Hub, logger *zap.Logger) (*Cluster[In, Out], error) {
	if len(nodes) == 0 {
		return nil, errors.New("cluster needs at least one node")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, errors.New("cluster node cannot be nil")
		}
		if seen[n.ID()] {
			return nil, fmt.Errorf("duplicate node id %q", n.ID())
		}
		seen[n.ID()] = true
	}
	return &Cluster[In, Out]{
		nodes:  append([]Node[In, Out](nil), nodes...),
		hub:    hub,
		logger: logger,
	}, nil
}

// FromHosts builds one node per host with factory. Nodes built before a
// failure are closed.
func FromHosts[In, Out any](hosts []Host, factory func(Host) (Node[In, Out], error)) ([]Node[In, Out], error) {
	nodes := make([]Node[In, Out], 0, len(hosts))
	for _, host := range hosts {
		n, err := factory(host)
		if err != nil {
			for _, built := range nodes {
				_ = built.Close()
			}
			return nil, fmt.Errorf("failed to build node for %s: %w", host, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Submit hands in to the next available node.
func (c *Cluster[In, Out]) Submit(ctx context.Context, in In) *work.Future[Out] {
	if c.closed.Load() {
		return work.Failed[Out](dispatcherrors.NewCancelled("cluster is closed", dispatcherrors.ErrClosed))
	}
	return c.pick().Submit(ctx, in)
}

func (c *Cluster[In, Out]) pick() Node[In, Out] {
	start := c.next.Add(1) - 1
	count := uint64(len(c.nodes))
	for i := uint64(0); i < count; i++ {
		candidate := c.nodes[(start+i)%count]
		if c.snapshot(candidate).Available() {
			return candidate
		}
	}
	fallback := c.nodes[start%count]
	c.logger.Debug("No available node, falling back to round-robin", zap.String("node_id", fallback.ID()))
	return fallback
}

func (c *Cluster[In, Out]) snapshot(n Node[In, Out]) metrics.NodeMetrics {
	if c.hub != nil {
		if m, ok := c.hub.Latest(n.ID()); ok {
			return m
		}
	}
	return n.Metrics()
}

// Nodes returns the cluster's nodes in placement order.
func (c *Cluster[In, Out]) Nodes() []Node[In, Out] {
	return append([]Node[In, Out](nil), c.nodes...)
}

// Metrics returns the latest snapshot of every node.
func (c *Cluster[In, Out]) Metrics() []metrics.NodeMetrics {
	out := make([]metrics.NodeMetrics, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, c.snapshot(n))
	}
	return out
}

// Close closes every node. Later submissions fail with CANCELLED.
func (c *Cluster[In, Out]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		var errs []error
		for _, n := range c.nodes {
			if err := n.Close(); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
			}
			if c.hub != nil {
				c.hub.Forget(n.ID())
			}
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("Cluster closed", zap.Int("nodes", len(c.nodes)))
	})
	return c.closeErr
}
