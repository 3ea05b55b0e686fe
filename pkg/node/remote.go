package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/work"
	"go.uber.org/zap"
)

// Contract is the request/response surface of a remote worker.
type Contract[In, Out any] interface {
	ProcessRemotely(ctx context.Context, in In, nodeMetrics metrics.NodeMetrics) (Out, error)
	HeartBeat(ctx context.Context, nodeID string) error
}

// HealthSubscriber is implemented by contracts that push health reports.
type HealthSubscriber interface {
	SubscribeHealth(fn func(metrics.NodeHealth)) (unsubscribe func() error, err error)
}

// RemoteProcessor forwards items to a remote worker with bounded retries,
// exponential backoff and CPU-based self-throttling.
type RemoteProcessor[In, Out any] struct {
	contract Contract[In, Out]
	opts     concurrency.ClusterOptions
	logger   *zap.Logger

	nodeMetrics func() metrics.NodeMetrics
	sleep       func(ctx context.Context, d time.Duration) error

	lastHealth  atomic.Pointer[metrics.NodeHealth]
	unsubscribe func() error
	closeOnce   sync.Once
}

// NewRemoteProcessor creates a processor for contract.
func NewRemoteProcessor[In, Out any](contract Contract[In, Out], opts concurrency.ClusterOptions, logger *zap.Logger) *RemoteProcessor[In, Out] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &RemoteProcessor[In, Out]{
		contract:    contract,
		opts:        opts,
		logger:      logger,
		nodeMetrics: func() metrics.NodeMetrics { return metrics.NodeMetrics{} },
		sleep:       sleepContext,
	}
}

// Process implements Processor.
func (p *RemoteProcessor[In, Out]) Process(ctx context.Context, batch *work.Batch[In, Out]) error {
	return forEachPending(ctx, batch, p.opts.MaxConcurrency, p.processItem)
}

// processItem makes up to 1+RetryAttempts calls for one item.
func (p *RemoteProcessor[In, Out]) processItem(ctx context.Context, item *work.Item[In, Out]) error {
	ctx, done := itemContext(ctx, item.Context())
	defer done()

	var lastErr error
	for retry := 0; retry <= p.opts.RetryAttempts; retry++ {
		if retry > 0 {
			delay := p.backoff(retry)
			p.logger.Debug("Retrying remote call",
				zap.String("item_id", item.ID),
				zap.Int("retry", retry),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := p.sleep(ctx, delay); err != nil {
				item.Cancel()
				return nil
			}
		}

		if err := p.throttle(ctx); err != nil {
			item.Cancel()
			return nil
		}

		item.Attempt()
		out, err := p.contract.ProcessRemotely(ctx, item.Payload, p.nodeMetrics())
		if err == nil {
			item.Complete(out)
			return nil
		}
		if dispatcherrors.IsCancellation(err) && ctx.Err() != nil {
			item.Cancel()
			return nil
		}
		lastErr = err
	}

	failure := dispatcherrors.NewProcessingFailed(
		fmt.Sprintf("remote processing failed after %d attempts", item.Attempts()), lastErr)
	p.logger.Error("Remote node retries exhausted",
		zap.String("item_id", item.ID),
		zap.Int("attempts", item.Attempts()),
		zap.Bool("critical", true),
		zap.Error(lastErr))
	item.Fail(failure)
	return failure
}

// backoff returns RetryBaseDelay * 2^retry.
func (p *RemoteProcessor[In, Out]) backoff(retry int) time.Duration {
	if retry > 30 {
		retry = 30
	}
	return p.opts.RetryBaseDelay * time.Duration(int64(1)<<retry)
}

// throttle delays the next call while the remote node reports a CPU usage
// above LimitCPUUsage.
func (p *RemoteProcessor[In, Out]) throttle(ctx context.Context) error {
	health := p.lastHealth.Load()
	if health == nil {
		return ctx.Err()
	}
	delay := cpuDelay(health.CPUUsage, p.opts.LimitCPUUsage)
	if delay <= 0 {
		return ctx.Err()
	}
	p.logger.Debug("Remote node is above its CPU limit, delaying call",
		zap.Float64("cpu_usage", health.CPUUsage),
		zap.Float64("cpu_limit", p.opts.LimitCPUUsage),
		zap.Duration("delay", delay))
	return p.sleep(ctx, delay)
}

// cpuDelay is (usage-limit)/usage*100 milliseconds, or zero at or below limit.
func cpuDelay(usage, limit float64) time.Duration {
	if usage <= 0 || usage <= limit {
		return 0
	}
	ms := (usage - limit) / usage * 100
	return time.Duration(ms * float64(time.Millisecond))
}

// HeartBeat implements HeartBeater.
func (p *RemoteProcessor[In, Out]) HeartBeat(ctx context.Context, nodeID string) error {
	err := p.contract.HeartBeat(ctx, nodeID)
	if err == nil {
		return nil
	}
	var classified *dispatcherrors.Error
	if errors.As(err, &classified) {
		return err
	}
	return dispatcherrors.NewRemoteUnavailable("heartbeat failed", err)
}

// ReportHealth records a health report; the latest one drives CPU throttling.
func (p *RemoteProcessor[In, Out]) ReportHealth(health metrics.NodeHealth) {
	p.lastHealth.Store(&health)
}

// LastHealth implements HealthSource.
func (p *RemoteProcessor[In, Out]) LastHealth() *metrics.NodeHealth {
	h := p.lastHealth.Load()
	if h == nil {
		return nil
	}
	copied := *h
	return &copied
}

// Close releases the health subscription. Only the first call has an effect.
func (p *RemoteProcessor[In, Out]) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.unsubscribe != nil {
			err = p.unsubscribe()
		}
	})
	return err
}

func (p *RemoteProcessor[In, Out]) subscribe() error {
	subscriber, ok := p.contract.(HealthSubscriber)
	if !ok {
		return nil
	}
	unsubscribe, err := subscriber.SubscribeHealth(p.ReportHealth)
	if err != nil {
		return err
	}
	p.unsubscribe = unsubscribe
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
