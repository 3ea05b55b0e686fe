// Package natsrpc carries the remote node contract over NATS request/reply.
//
// A remote worker is addressed by a subject prefix and a machine name:
//
//	<prefix>.<machine>.process    request/reply, one work item per request
//	<prefix>.<machine>.heartbeat  request/reply liveness probe
//	<prefix>.<machine>.health     fire-and-forget NodeHealth reports
//
// Payloads are encoded with a codec.Codec that both sides agree on.
package natsrpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Conn defines the minimal subset of a NATS connection the transport depends on.
// This allows tests to provide an in-memory bus without a running NATS server.
type Conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error)
}

// Subscription abstracts the subscription operations the transport uses.
type Subscription interface {
	Unsubscribe() error
}

// WrapConn adapts a *nats.Conn to the Conn interface.
func WrapConn(nc *nats.Conn) Conn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	return a.nc.RequestWithContext(ctx, subj, data)
}

func (a *natsConnAdapter) Publish(subj string, data []byte) error {
	return a.nc.Publish(subj, data)
}

func (a *natsConnAdapter) Subscribe(subj string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := a.nc.Subscribe(subj, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsConnAdapter) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := a.nc.QueueSubscribe(subj, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Subjects names the subjects of one remote worker.
type Subjects struct {
	Prefix  string
	Machine string
}

func (s Subjects) Process() string   { return s.join("process") }
func (s Subjects) Heartbeat() string { return s.join("heartbeat") }
func (s Subjects) Health() string    { return s.join("health") }

func (s Subjects) join(leaf string) string {
	return strings.Join([]string{s.Prefix, s.Machine, leaf}, ".")
}

func (s Subjects) validate() error {
	if s.Prefix == "" {
		return fmt.Errorf("subject prefix cannot be empty")
	}
	if s.Machine == "" {
		return fmt.Errorf("machine name cannot be empty")
	}
	if strings.ContainsAny(s.Machine, ".*> \t") {
		return fmt.Errorf("machine name %q is not a valid subject token", s.Machine)
	}
	return nil
}
