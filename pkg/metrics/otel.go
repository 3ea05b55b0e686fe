package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for node metrics.
const meterName = "github.com/wehubfusion/Dispatch"

// OTelSink exports the hub's latest snapshots as OpenTelemetry observable
// instruments. Values are read at collection time, so the sink adds no work
// to the dispatch path.
//
// Instruments, all with a node.id attribute:
//   - dispatch.node.throughput (gauge): items concluded during the last tick
//   - dispatch.node.buffer_size (gauge): pending items
//   - dispatch.node.items_evicted (counter): cumulative evictions
//   - dispatch.node.items_processed (counter): cumulative concluded items
//   - dispatch.node.alive (gauge): 1 when the last heartbeat succeeded
type OTelSink struct {
	registration metric.Registration
}

// NewGlobalOTelSink creates a sink on the global MeterProvider.
func NewGlobalOTelSink(hub *Hub) (*OTelSink, error) {
	return NewOTelSink(otel.Meter(meterName), hub)
}

// NewOTelSink registers the node instruments on meter.
func NewOTelSink(meter metric.Meter, hub *Hub) (*OTelSink, error) {
	throughput, err := meter.Int64ObservableGauge(
		"dispatch.node.throughput",
		metric.WithDescription("Items concluded by the node during the last aggregator tick"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create throughput gauge: %w", err)
	}

	bufferSize, err := meter.Int64ObservableGauge(
		"dispatch.node.buffer_size",
		metric.WithDescription("Items waiting in the node buffer"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer size gauge: %w", err)
	}

	evicted, err := meter.Int64ObservableCounter(
		"dispatch.node.items_evicted",
		metric.WithDescription("Items evicted because the node buffer was full"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evicted counter: %w", err)
	}

	processed, err := meter.Int64ObservableCounter(
		"dispatch.node.items_processed",
		metric.WithDescription("Items concluded by the node processor"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	alive, err := meter.Int64ObservableGauge(
		"dispatch.node.alive",
		metric.WithDescription("1 when the node answered its last heartbeat"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alive gauge: %w", err)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, m := range hub.Snapshot() {
			attrs := metric.WithAttributes(attribute.String("node.id", m.ID))
			o.ObserveInt64(throughput, m.CurrentThroughput, attrs)
			o.ObserveInt64(bufferSize, int64(m.BufferSize), attrs)
			o.ObserveInt64(evicted, m.ItemsEvicted, attrs)
			o.ObserveInt64(processed, m.TotalItemsProcessed, attrs)
			var up int64
			if m.Alive {
				up = 1
			}
			o.ObserveInt64(alive, up, attrs)
		}
		return nil
	}, throughput, bufferSize, evicted, processed, alive)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics callback: %w", err)
	}

	return &OTelSink{registration: registration}, nil
}

// Close unregisters the instruments' callback.
func (s *OTelSink) Close() error {
	return s.registration.Unregister()
}
