package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Dispatch/pkg/codec"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"go.uber.org/zap"
)

// Options configures both ends of the transport.
type Options struct {
	Subjects Subjects
	Codec    codec.Codec // defaults to msgpack
	Logger   *zap.Logger
}

func (o *Options) normalize() error {
	if err := o.Subjects.validate(); err != nil {
		return err
	}
	if o.Codec == nil {
		o.Codec = codec.Get(codec.NameMsgpack)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

type processRequest[In any] struct {
	Payload In                  `json:"payload" msgpack:"payload"`
	Metrics metrics.NodeMetrics `json:"metrics" msgpack:"metrics"`
}

type processReply[Out any] struct {
	Result  Out    `json:"result" msgpack:"result"`
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

type heartbeatRequest struct {
	NodeID string    `json:"node_id" msgpack:"node_id"`
	SentAt time.Time `json:"sent_at" msgpack:"sent_at"`
}

type heartbeatReply struct {
	MachineName string    `json:"machine_name" msgpack:"machine_name"`
	At          time.Time `json:"at" msgpack:"at"`
}

// Contract is the client side of a remote worker. It satisfies the node
// package's Contract and HealthSubscriber interfaces.
type Contract[In, Out any] struct {
	conn Conn
	opts Options
}

// NewContract creates a contract bound to the worker named by opts.Subjects.
func NewContract[In, Out any](conn Conn, opts Options) (*Contract[In, Out], error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Contract[In, Out]{conn: conn, opts: opts}, nil
}

// ProcessRemotely sends one payload with the caller's node metrics and waits
// for the worker's reply.
func (c *Contract[In, Out]) ProcessRemotely(ctx context.Context, in In, nodeMetrics metrics.NodeMetrics) (Out, error) {
	var zero Out

	data, err := c.opts.Codec.Marshal(processRequest[In]{Payload: in, Metrics: nodeMetrics})
	if err != nil {
		return zero, dispatcherrors.NewFaulted("failed to encode process request", err)
	}

	msg, err := c.request(ctx, c.opts.Subjects.Process(), data)
	if err != nil {
		return zero, err
	}

	var reply processReply[Out]
	if err := c.opts.Codec.Unmarshal(msg.Data, &reply); err != nil {
		return zero, dispatcherrors.NewRemoteUnavailable("failed to decode process reply", err)
	}
	if reply.Code != "" {
		return zero, dispatcherrors.NewError(reply.Code, reply.Message, nil)
	}
	return reply.Result, nil
}

// HeartBeat probes the worker and returns nil once it acknowledges.
func (c *Contract[In, Out]) HeartBeat(ctx context.Context, nodeID string) error {
	data, err := c.opts.Codec.Marshal(heartbeatRequest{NodeID: nodeID, SentAt: time.Now().UTC()})
	if err != nil {
		return dispatcherrors.NewFaulted("failed to encode heartbeat", err)
	}

	msg, err := c.request(ctx, c.opts.Subjects.Heartbeat(), data)
	if err != nil {
		return err
	}

	var ack heartbeatReply
	if err := c.opts.Codec.Unmarshal(msg.Data, &ack); err != nil {
		return dispatcherrors.NewRemoteUnavailable("failed to decode heartbeat reply", err)
	}
	return nil
}

// SubscribeHealth delivers every health report the worker publishes to fn.
// The returned unsubscribe function may be called more than once.
func (c *Contract[In, Out]) SubscribeHealth(fn func(metrics.NodeHealth)) (func() error, error) {
	if fn == nil {
		return nil, fmt.Errorf("health callback cannot be nil")
	}

	sub, err := c.conn.Subscribe(c.opts.Subjects.Health(), func(msg *nats.Msg) {
		var health metrics.NodeHealth
		if err := c.opts.Codec.Unmarshal(msg.Data, &health); err != nil {
			c.opts.Logger.Warn("Dropping malformed health report",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		fn(health)
	})
	if err != nil {
		return nil, dispatcherrors.NewRemoteUnavailable("failed to subscribe to health reports", err)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = sub.Unsubscribe() })
		return err
	}, nil
}

func (c *Contract[In, Out]) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, dispatcherrors.NewRemoteUnavailable(fmt.Sprintf("request on %s failed", subject), err)
}
