package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Message is one pulled message. Exactly one of Ack, Nak or Term must be
// called once it has been handled.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Source pulls up to batch messages. An empty result means nothing was
// available within the source's wait time.
type Source interface {
	Fetch(ctx context.Context, batch int) ([]Message, error)
}

// JetStream defines the minimal subset of JetStream operations the source
// depends on, so tests can run without a NATS server.
type JetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Fetcher is the pull side of a bound subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// StreamConfig describes the stream and durable consumer to pull from.
type StreamConfig struct {
	Stream     string
	Consumer   string
	MaxDeliver int
	MaxWait    time.Duration // per fetch, 3s by default
}

// JetStreamSource pulls from a durable JetStream consumer.
type JetStreamSource struct {
	sub     Fetcher
	maxWait time.Duration
	logger  *zap.Logger
}

// NewJetStreamSource makes sure the stream and consumer exist and binds a
// pull subscription to them.
func NewJetStreamSource(js JetStream, cfg StreamConfig, logger *zap.Logger) (*JetStreamSource, error) {
	if js == nil {
		return nil, errors.New("JetStream context cannot be nil")
	}
	if cfg.Stream == "" || cfg.Consumer == "" {
		return nil, errors.New("stream and consumer names are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 3 * time.Second
	}

	if err := ensureStream(js, cfg.Stream, logger); err != nil {
		return nil, err
	}
	if err := ensureConsumer(js, cfg, logger); err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe("", cfg.Consumer, nats.Bind(cfg.Stream, cfg.Consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to bind to consumer '%s': %w", cfg.Consumer, err)
	}
	return NewFetcherSource(sub, cfg.MaxWait, logger), nil
}

// NewFetcherSource wraps an already bound subscription.
func NewFetcherSource(sub Fetcher, maxWait time.Duration, logger *zap.Logger) *JetStreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamSource{sub: sub, maxWait: maxWait, logger: logger}
}

func ensureStream(js JetStream, streamName string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err == nil {
		logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", info.State.Msgs),
			zap.Int("consumers", info.State.Consumers))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	logger.Info("Creating JetStream stream", zap.String("stream", streamName))
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{fmt.Sprintf("%s.>", streamName)},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}
	logger.Info("Successfully created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", streamConfig.Subjects))
	return nil
}

func ensureConsumer(js JetStream, cfg StreamConfig, logger *zap.Logger) error {
	info, err := js.ConsumerInfo(cfg.Stream, cfg.Consumer)
	if err == nil {
		logger.Info("JetStream consumer already exists",
			zap.String("stream", cfg.Stream),
			zap.String("consumer", cfg.Consumer),
			zap.Uint64("pending", info.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", cfg.Consumer, cfg.Stream, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    cfg.MaxDeliver,
	}
	if _, err := js.AddConsumer(cfg.Stream, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", cfg.Consumer, cfg.Stream, err)
	}
	logger.Info("Successfully created JetStream consumer",
		zap.String("stream", cfg.Stream),
		zap.String("consumer", cfg.Consumer),
		zap.Int("max_deliver", cfg.MaxDeliver))
	return nil
}

// Fetch pulls up to batch messages, waiting at most MaxWait or until ctx's
// deadline, whichever is sooner. A fetch timeout yields an empty slice.
func (s *JetStreamSource) Fetch(ctx context.Context, batch int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := s.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < wait {
			wait = remaining
		}
	}

	msgs, err := s.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = natsMessage{m}
	}
	return out, nil
}

// Close unsubscribes.
func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}

type natsMessage struct {
	msg *nats.Msg
}

func (m natsMessage) Subject() string { return m.msg.Subject }
func (m natsMessage) Data() []byte    { return m.msg.Data }
func (m natsMessage) Ack() error      { return m.msg.Ack() }
func (m natsMessage) Nak() error      { return m.msg.Nak() }
func (m natsMessage) Term() error     { return m.msg.Term() }
