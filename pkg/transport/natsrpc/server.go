package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"go.uber.org/zap"
)

// Handler processes one remote work item.
type Handler[In, Out any] func(ctx context.Context, in In, nodeMetrics metrics.NodeMetrics) (Out, error)

// Server is the worker side of the contract. It answers process and heartbeat
// requests and publishes health reports.
type Server[In, Out any] struct {
	conn    Conn
	opts    Options
	handler Handler[In, Out]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	subs      []Subscription
	closed    bool
	closeOnce sync.Once
}

// NewServer subscribes handler to the worker's subjects. Replicas sharing a
// machine name form one queue group and split the requests between them.
func NewServer[In, Out any](conn Conn, opts Options, handler Handler[In, Out]) (*Server[In, Out], error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server[In, Out]{
		conn:    conn,
		opts:    opts,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	queue := opts.Subjects.Machine
	for subject, cb := range map[string]nats.MsgHandler{
		opts.Subjects.Process():   s.onProcess,
		opts.Subjects.Heartbeat(): s.onHeartbeat,
	} {
		sub, err := conn.QueueSubscribe(subject, queue, cb)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	s.opts.Logger.Info("Remote node server listening",
		zap.String("process_subject", opts.Subjects.Process()),
		zap.String("heartbeat_subject", opts.Subjects.Heartbeat()),
		zap.String("codec", opts.Codec.Name()))
	return s, nil
}

func (s *Server[In, Out]) onProcess(msg *nats.Msg) {
	if msg.Reply == "" {
		s.opts.Logger.Warn("Dropping process request without reply subject", zap.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.reply(msg.Reply, s.process(msg.Data))
	}()
}

func (s *Server[In, Out]) process(data []byte) (reply processReply[Out]) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("Remote handler panicked", zap.Any("panic", r))
			reply = processReply[Out]{Code: dispatcherrors.CodeFaulted, Message: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()

	var req processRequest[In]
	if err := s.opts.Codec.Unmarshal(data, &req); err != nil {
		return processReply[Out]{Code: dispatcherrors.CodeFaulted, Message: "malformed process request: " + err.Error()}
	}

	out, err := s.handler(s.ctx, req.Payload, req.Metrics)
	if err != nil {
		code := processFailureCode(err)
		s.opts.Logger.Debug("Remote handler failed",
			zap.String("node_id", req.Metrics.ID),
			zap.String("code", code),
			zap.Error(err))
		return processReply[Out]{Code: code, Message: err.Error()}
	}
	return processReply[Out]{Result: out}
}

// processFailureCode keeps the code of classified and cancellation errors;
// any other handler error is a processing failure.
func processFailureCode(err error) string {
	var classified *dispatcherrors.Error
	if errors.As(err, &classified) || dispatcherrors.IsCancellation(err) {
		return dispatcherrors.CodeOf(err)
	}
	return dispatcherrors.CodeProcessingFailed
}

func (s *Server[In, Out]) onHeartbeat(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req heartbeatRequest
	if err := s.opts.Codec.Unmarshal(msg.Data, &req); err != nil {
		s.opts.Logger.Warn("Malformed heartbeat", zap.Error(err))
	}
	s.opts.Logger.Debug("Heartbeat", zap.String("node_id", req.NodeID))
	s.reply(msg.Reply, heartbeatReply{MachineName: s.opts.Subjects.Machine, At: time.Now().UTC()})
}

func (s *Server[In, Out]) reply(subject string, v any) {
	data, err := s.opts.Codec.Marshal(v)
	if err != nil {
		s.opts.Logger.Error("Failed to encode reply", zap.String("reply", subject), zap.Error(err))
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		s.opts.Logger.Error("Failed to publish reply", zap.String("reply", subject), zap.Error(err))
	}
}

// PublishHealth sends one health report to subscribed dispatchers.
func (s *Server[In, Out]) PublishHealth(health metrics.NodeHealth) error {
	if health.MachineName == "" {
		health.MachineName = s.opts.Subjects.Machine
	}
	if health.ReportedAt.IsZero() {
		health.ReportedAt = time.Now().UTC()
	}
	data, err := s.opts.Codec.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to encode health report: %w", err)
	}
	return s.conn.Publish(s.opts.Subjects.Health(), data)
}

// ReportHealth publishes sample() every interval until ctx or the server is done.
func (s *Server[In, Out]) ReportHealth(ctx context.Context, interval time.Duration, sample func() metrics.NodeHealth) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.PublishHealth(sample()); err != nil {
				s.opts.Logger.Warn("Failed to publish health report", zap.Error(err))
			}
		}
	}
}

// Close unsubscribes, cancels in-flight handlers and waits for them to return.
func (s *Server[In, Out]) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.closed = true
		s.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		s.cancel()
		s.wg.Wait()
	})
	return errors.Join(errs...)
}
