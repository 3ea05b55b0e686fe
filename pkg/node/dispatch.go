package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// dispatchLoop is the only consumer of the buffer. The next batch is received
// only once the previous attempt has fully completed.
func (n *Node[In, Out]) dispatchLoop() {
	defer close(n.loopDone)

	for items := range n.buffer.Batches() {
		batch := &work.Batch[In, Out]{
			Seq:      n.seq.Add(1),
			SealedAt: time.Now(),
			Items:    items,
		}
		n.dispatch(batch)
	}
}

func (n *Node[In, Out]) dispatch(batch *work.Batch[In, Out]) {
	if len(batch.Pending()) == 0 {
		n.logger.Debug("Skipping batch without pending items", zap.Uint64("batch_seq", batch.Seq))
		return
	}

	ctx, span := n.tracer.Start(n.ctx, "node.processBatch",
		trace.WithAttributes(
			attribute.String("node.id", n.id),
			attribute.Int64("batch.seq", int64(batch.Seq)),
			attribute.Int("batch.size", batch.Len()),
		))
	defer span.End()

	err := n.attempt(ctx, batch)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")

	case errors.Is(err, dispatcherrors.ErrBreakerOpen):
		failed := batch.FailPending(err)
		span.SetStatus(codes.Error, "circuit breaker open")
		n.logger.Warn("Batch short-circuited by the circuit breaker",
			zap.Uint64("batch_seq", batch.Seq),
			zap.Int("failed_items", failed))

	case dispatcherrors.IsCancellation(err) && n.ctx.Err() != nil:
		for _, item := range batch.Items {
			item.Cancel()
		}
		span.SetStatus(codes.Error, "cancelled")

	default:
		batch.FailPending(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.Error("Batch processing attempt failed",
			zap.Uint64("batch_seq", batch.Seq),
			zap.Int("batch_size", batch.Len()),
			zap.Bool("critical", true),
			zap.Error(err))
	}

	if leftover := batch.FailPending(dispatcherrors.NewFaulted("processor returned without resolving the item", nil)); leftover > 0 {
		n.logger.Warn("Processor left items unresolved", zap.Uint64("batch_seq", batch.Seq), zap.Int("items", leftover))
	}

	if n.deadLetter != nil {
		for _, item := range batch.Items {
			if _, itemErr := item.Future().Result(); dispatcherrors.IsProcessingFailed(itemErr) {
				n.offerDeadLetter(item, itemErr)
			}
		}
	}
}

// attempt runs the processor under the breaker. A panic escaping the
// processor is converted into a FAULTED error.
func (n *Node[In, Out]) attempt(ctx context.Context, batch *work.Batch[In, Out]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dispatcherrors.NewFaulted(fmt.Sprintf("processor panicked: %v", r), nil)
		}
	}()

	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.processor.Process(ctx, batch)
	})
}

// forEachPending runs fn for the unresolved items of batch with at most limit
// items in flight. Item errors are joined; a cancelled ctx wins over them.
func forEachPending[In, Out any](ctx context.Context, batch *work.Batch[In, Out], limit int,
	fn func(context.Context, *work.Item[In, Out]) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, item := range batch.Items {
		if ctx.Err() != nil {
			break
		}
		if item.Done() {
			continue
		}
		item := item
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// itemContext derives a context that is cancelled with either the batch
// context or the item's own cancel signal.
func itemContext(ctx context.Context, itemCtx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(itemCtx, func() {
		cancel(context.Cause(itemCtx))
	})
	return merged, func() {
		stop()
		cancel(nil)
	}
}
