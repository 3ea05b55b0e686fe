// Package metrics holds the observable state of dispatch nodes and the hub
// that republishes it to cluster coordinators and reporting sinks.
package metrics

import "time"

// NodeHealth is a health report pushed by a remote node.
type NodeHealth struct {
	MachineName string    `json:"machineName" msgpack:"machineName"`
	CPUUsage    float64   `json:"cpuUsage" msgpack:"cpuUsage"`
	MemoryUsage float64   `json:"memoryUsage" msgpack:"memoryUsage"`
	ReportedAt  time.Time `json:"reportedAt" msgpack:"reportedAt"`
}

// NodeMetrics is the snapshot a node publishes once per aggregator tick.
// Snapshots are values; consumers never mutate a node's state through them.
type NodeMetrics struct {
	ID                  string      `json:"id" msgpack:"id"`
	Alive               bool        `json:"alive" msgpack:"alive"`
	CurrentThroughput   int64       `json:"currentThroughput" msgpack:"currentThroughput"`
	BufferSize          int         `json:"bufferSize" msgpack:"bufferSize"`
	Full                bool        `json:"full" msgpack:"full"`
	ItemsEvicted        int64       `json:"itemsEvicted" msgpack:"itemsEvicted"`
	TotalItemsProcessed int64       `json:"totalItemsProcessed" msgpack:"totalItemsProcessed"`
	LastHealth          *NodeHealth `json:"lastHealth,omitempty" msgpack:"lastHealth,omitempty"`
	BreakerState        string      `json:"breakerState" msgpack:"breakerState"`
	RefreshedAt         time.Time   `json:"refreshedAt" msgpack:"refreshedAt"`
}

// Available reports whether the node can take more work.
func (m NodeMetrics) Available() bool {
	return m.Alive && !m.Full
}
