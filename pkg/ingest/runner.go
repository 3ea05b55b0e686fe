// Package ingest feeds a dispatch cluster from a pull-based message source
// such as a JetStream consumer. Each message is decoded, submitted, and
// acknowledged once its future resolves.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/codec"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Submitter accepts work, typically a cluster or a single node.
type Submitter[In, Out any] interface {
	Submit(ctx context.Context, in In) *work.Future[Out]
}

// ResultHandler receives the result of every successfully processed message
// before it is acknowledged. An error naks the message.
type ResultHandler[Out any] func(ctx context.Context, subject string, out Out) error

// Config configures a Runner.
type Config struct {
	BatchSize      int           // messages per fetch
	MaxInFlight    int           // submissions awaiting their result
	ProcessTimeout time.Duration // per message, from submit to result
	IdleWait       time.Duration // pause after an empty fetch
	Codec          codec.Codec   // payload decoding, JSON by default
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		MaxInFlight:    100,
		ProcessTimeout: 30 * time.Second,
		IdleWait:       500 * time.Millisecond,
		Codec:          codec.JSON{},
	}
}

// Runner pulls messages from a Source and submits their payloads.
type Runner[In, Out any] struct {
	source   Source
	target   Submitter[In, Out]
	cfg      Config
	onResult ResultHandler[Out]
	limiter  *concurrency.Limiter
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRunner creates a runner. onResult may be nil.
func NewRunner[In, Out any](source Source, target Submitter[In, Out], cfg Config, onResult ResultHandler[Out], logger *zap.Logger) (*Runner[In, Out], error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaults.ProcessTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaults.IdleWait
	}
	if cfg.Codec == nil {
		cfg.Codec = defaults.Codec
	}

	return &Runner[In, Out]{
		source:   source,
		target:   target,
		cfg:      cfg,
		onResult: onResult,
		limiter:  concurrency.NewLimiter(cfg.MaxInFlight),
		logger:   logger,
		tracer:   otel.Tracer("dispatch/ingest"),
	}, nil
}

// Run pulls and submits until ctx is cancelled, then waits for in-flight
// messages to be acknowledged. It returns ctx.Err().
func (r *Runner[In, Out]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		stats := r.limiter.GetMetrics()
		r.logger.Info("Ingest runner stopped",
			zap.Int64("messages_handled", stats.TotalReleased),
			zap.Int64("peak_in_flight", stats.PeakConcurrent),
			zap.Duration("avg_slot_wait", r.limiter.GetAverageWaitTime()))
	}()

	backoffDelay := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := r.source.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Error pulling messages", zap.Error(err), zap.Duration("backoff", backoffDelay))
			if !sleep(ctx, backoffDelay) {
				return ctx.Err()
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		if len(messages) == 0 {
			if !sleep(ctx, r.cfg.IdleWait) {
				return ctx.Err()
			}
			continue
		}

		for i, msg := range messages {
			if err := r.limiter.Acquire(ctx); err != nil {
				// Unhandled messages go back for redelivery
				for _, rest := range messages[i:] {
					_ = rest.Nak()
				}
				return ctx.Err()
			}
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				defer r.limiter.Release()
				r.handle(ctx, msg)
			}(msg)
		}
	}
}

func (r *Runner[In, Out]) handle(ctx context.Context, msg Message) {
	ctx, span := r.tracer.Start(ctx, "ingest.handle",
		trace.WithAttributes(attribute.String("messaging.subject", msg.Subject())))
	defer span.End()

	var in In
	if err := r.cfg.Codec.Unmarshal(msg.Data(), &in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		r.logger.Warn("Terminating malformed message", zap.String("subject", msg.Subject()), zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			r.logger.Error("Error terminating message", zap.Error(termErr))
		}
		return
	}

	processCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	defer cancel()

	start := time.Now()
	out, err := r.target.Submit(processCtx, in).Wait(processCtx)
	if err == nil && r.onResult != nil {
		err = r.onResult(processCtx, msg.Subject(), out)
	}
	span.SetAttributes(attribute.Int64("processing.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fields := []zap.Field{
			zap.String("subject", msg.Subject()),
			zap.String("code", dispatcherrors.CodeOf(err)),
			zap.Duration("processingTime", time.Since(start)),
			zap.Error(err),
		}
		if dispatcherrors.IsCapacityExceeded(err) || dispatcherrors.IsCancellation(err) {
			r.logger.Warn("Message not processed, requesting redelivery", fields...)
		} else {
			r.logger.Error("Error processing message", fields...)
		}
		if nakErr := msg.Nak(); nakErr != nil {
			r.logger.Error("Error naking message after processing failure", zap.Error(nakErr))
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	if ackErr := msg.Ack(); ackErr != nil {
		r.logger.Error("Error acking message after successful processing", zap.Error(ackErr))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
