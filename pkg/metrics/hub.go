package metrics

import (
	"sort"
	"sync"
)

// Hub keeps the latest snapshot per node id and fans every published
// snapshot out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]NodeMetrics
	subs   map[uint64]func(NodeMetrics)
	nextID uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]NodeMetrics),
		subs:   make(map[uint64]func(NodeMetrics)),
	}
}

// Publish records m as the latest snapshot of m.ID and notifies subscribers
// synchronously, outside the hub lock.
func (h *Hub) Publish(m NodeMetrics) {
	h.mu.Lock()
	h.latest[m.ID] = m
	subs := make([]func(NodeMetrics), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
}

// Subscribe registers fn for every future snapshot. The returned function
// unsubscribes and may be called any number of times.
func (h *Hub) Subscribe(fn func(NodeMetrics)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Latest returns the most recent snapshot of a node.
func (h *Hub) Latest(id string) (NodeMetrics, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.latest[id]
	return m, ok
}

// Snapshot returns the latest snapshot of every node, ordered by id.
func (h *Hub) Snapshot() []NodeMetrics {
	h.mu.RLock()
	out := make([]NodeMetrics, 0, len(h.latest))
	for _, m := range h.latest {
		out = append(out, m)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops the snapshot of a node that left the cluster.
func (h *Hub) Forget(id string) {
	h.mu.Lock()
	delete(h.latest, id)
	h.mu.Unlock()
}
