package node

import (
	"context"
	"fmt"

	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/work"
)

// ProcessFunc processes a single item in-process.
type ProcessFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// BatchFunc processes all pending items of a batch in one call and returns
// one result per input, in order.
type BatchFunc[In, Out any] func(ctx context.Context, in []In) ([]Out, error)

// LocalProcessor runs a function in-process.
type LocalProcessor[In, Out any] struct {
	fn             ProcessFunc[In, Out]
	batchFn        BatchFunc[In, Out]
	maxConcurrency int
}

// NewLocalProcessor runs fn per item, with up to maxConcurrency items of a
// batch in flight (1 when <= 0).
func NewLocalProcessor[In, Out any](fn ProcessFunc[In, Out], maxConcurrency int) *LocalProcessor[In, Out] {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &LocalProcessor[In, Out]{fn: fn, maxConcurrency: maxConcurrency}
}

// NewLocalBatchProcessor runs fn once per batch.
func NewLocalBatchProcessor[In, Out any](fn BatchFunc[In, Out]) *LocalProcessor[In, Out] {
	return &LocalProcessor[In, Out]{batchFn: fn, maxConcurrency: 1}
}

// Process implements Processor.
func (p *LocalProcessor[In, Out]) Process(ctx context.Context, batch *work.Batch[In, Out]) error {
	if p.batchFn != nil {
		return p.processBatch(ctx, batch)
	}
	return forEachPending(ctx, batch, p.maxConcurrency, p.processItem)
}

func (p *LocalProcessor[In, Out]) processItem(ctx context.Context, item *work.Item[In, Out]) error {
	ctx, done := itemContext(ctx, item.Context())
	defer done()

	item.Attempt()
	out, err := p.call(ctx, item.Payload)
	switch {
	case err == nil:
		item.Complete(out)
		return nil
	case dispatcherrors.IsCancellation(err) && ctx.Err() != nil:
		item.Cancel()
		return nil
	default:
		item.Fail(err)
		return err
	}
}

func (p *LocalProcessor[In, Out]) processBatch(ctx context.Context, batch *work.Batch[In, Out]) error {
	pending := batch.Pending()
	payloads := make([]In, len(pending))
	for i, item := range pending {
		item.Attempt()
		payloads[i] = item.Payload
	}

	outs, err := p.callBatch(ctx, payloads)
	if err != nil {
		if dispatcherrors.IsCancellation(err) && ctx.Err() != nil {
			for _, item := range pending {
				item.Cancel()
			}
			return err
		}
		for _, item := range pending {
			item.Fail(err)
		}
		return err
	}

	if len(outs) != len(pending) {
		err := dispatcherrors.NewFaulted(
			fmt.Sprintf("batch function returned %d results for %d items", len(outs), len(pending)), nil)
		for _, item := range pending {
			item.Fail(err)
		}
		return err
	}

	for i, item := range pending {
		item.Complete(outs[i])
	}
	return nil
}

func (p *LocalProcessor[In, Out]) call(ctx context.Context, in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dispatcherrors.NewFaulted(fmt.Sprintf("process function panicked: %v", r), nil)
		}
	}()
	return p.fn(ctx, in)
}

func (p *LocalProcessor[In, Out]) callBatch(ctx context.Context, in []In) (out []Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dispatcherrors.NewFaulted(fmt.Sprintf("batch function panicked: %v", r), nil)
		}
	}()
	return p.batchFn(ctx, in)
}
