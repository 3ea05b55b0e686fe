// Package deadletter records items that never produced a result: evicted
// items and items whose processing failed for good.
package deadletter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry describes one dead-lettered item.
type Entry struct {
	ID         string    `json:"id" msgpack:"id"`
	NodeID     string    `json:"node_id" msgpack:"node_id"`
	ItemID     string    `json:"item_id" msgpack:"item_id"`
	Code       string    `json:"code" msgpack:"code"`
	Reason     string    `json:"reason" msgpack:"reason"`
	Payload    any       `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Attempts   int       `json:"attempts" msgpack:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
	RecordedAt time.Time `json:"recorded_at" msgpack:"recorded_at"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Recorder decouples the dispatch path from a possibly slow sink: Offer
// never blocks and a single worker drains the queue into the sink.
type Recorder struct {
	sink    Sink
	queue   chan Entry
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewRecorder starts a recorder with room for capacity queued entries.
func NewRecorder(sink Sink, capacity int, logger *zap.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sink:    sink,
		queue:   make(chan Entry, capacity),
		logger:  logger,
		timeout: 30 * time.Second,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Offer queues entry and reports whether it was accepted. It returns false
// when the queue is full or the recorder is closed.
func (r *Recorder) Offer(entry Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- entry:
		return true
	default:
		return false
	}
}

// Close stops accepting entries and waits until queued ones are written.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Write(ctx, entry); err != nil {
			r.logger.Error("Failed to write dead-letter entry",
				zap.String("entry_id", entry.ID),
				zap.String("item_id", entry.ItemID),
				zap.String("code", entry.Code),
				zap.Error(err))
		}
		cancel()
	}
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
