package node

import (
	"context"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"go.uber.org/zap"
)

// runAggregator refreshes and publishes the node metrics once per
// HeartbeatInterval until the node is closed.
func (n *Node[In, Out]) runAggregator() {
	defer close(n.aggDone)

	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refresh(n.ctx)
		}
	}
}

// refresh runs one aggregator tick. Heartbeat failures only flip Alive.
func (n *Node[In, Out]) refresh(ctx context.Context) metrics.NodeMetrics {
	alive := true
	if hb, ok := n.processor.(HeartBeater); ok {
		hbCtx, cancel := context.WithTimeout(ctx, n.opts.HeartbeatTimeout)
		err := hb.HeartBeat(hbCtx, n.id)
		cancel()

		if err != nil {
			alive = false
			failures := n.heartbeatFailures.Add(1)
			n.logger.Warn("Node heartbeat failed",
				zap.Int32("consecutive_failures", failures),
				zap.Error(err))
		} else if previous := n.heartbeatFailures.Swap(0); previous > 0 {
			n.logger.Info("Node heartbeat recovered", zap.Int32("after_failures", previous))
		}
	}

	m := n.collect(alive)
	n.snapshot.Store(&m)
	if n.hub != nil {
		n.hub.Publish(m)
	}
	return m
}

// collect builds a snapshot and resets the per-tick throughput counter.
func (n *Node[In, Out]) collect(alive bool) metrics.NodeMetrics {
	m := metrics.NodeMetrics{
		ID:                  n.id,
		Alive:               alive,
		CurrentThroughput:   n.processedTick.Swap(0),
		BufferSize:          n.buffer.Len(),
		Full:                n.buffer.Full(),
		ItemsEvicted:        n.buffer.Evicted(),
		TotalItemsProcessed: n.processedTotal.Load(),
		BreakerState:        n.breaker.GetState().String(),
		RefreshedAt:         time.Now(),
	}
	if source, ok := n.processor.(HealthSource); ok {
		m.LastHealth = source.LastHealth()
	}
	return m
}
