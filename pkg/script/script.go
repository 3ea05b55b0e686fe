// Package script runs a JavaScript snippet as a processing function.
//
// The script sees the payload as the global `input` and, when called through
// Handle, the dispatcher's node snapshot as `node`. The value of its last
// expression is the result.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"go.uber.org/zap"
)

// Config configures a Runner.
type Config struct {
	Script   string
	Timeout  time.Duration // per call, 0 means only the caller's context applies
	PoolSize int           // runtimes kept for reuse
}

// Runner executes one compiled script on a pool of runtimes.
type Runner struct {
	program *goja.Program
	timeout time.Duration
	pool    chan *goja.Runtime
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New compiles cfg.Script.
func New(cfg Config, logger *zap.Logger) (*Runner, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("script cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	program, err := goja.Compile("dispatch-script", cfg.Script, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	return &Runner{
		program: program,
		timeout: cfg.Timeout,
		pool:    make(chan *goja.Runtime, cfg.PoolSize),
		logger:  logger,
	}, nil
}

// Process runs the script for in. It has the shape of a local node
// processing function.
func (r *Runner) Process(ctx context.Context, in any) (any, error) {
	return r.run(ctx, in, nil)
}

// Handle runs the script for a remote request, exposing the caller's node
// snapshot.
func (r *Runner) Handle(ctx context.Context, in any, nodeMetrics metrics.NodeMetrics) (any, error) {
	return r.run(ctx, in, &nodeMetrics)
}

func (r *Runner) run(ctx context.Context, in any, nodeMetrics *metrics.NodeMetrics) (result any, err error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, dispatcherrors.NewCancelled("script runner is closed", dispatcherrors.ErrClosed)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, dispatcherrors.NewCancelled("script not started", err)
	}

	vm := r.acquire()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(context.Cause(ctx)) })
	healthy := true
	defer func() {
		if rec := recover(); rec != nil {
			healthy = false
			err = dispatcherrors.NewFaulted(fmt.Sprintf("script runtime panicked: %v", rec), nil)
		}
		// A runtime that saw an interrupt keeps the flag set
		if !stop() {
			healthy = false
		}
		r.release(vm, healthy)
	}()

	if err := vm.Set("input", in); err != nil {
		return nil, dispatcherrors.NewFaulted("failed to set input", err)
	}
	var node any
	if nodeMetrics != nil {
		node = map[string]any{
			"id":         nodeMetrics.ID,
			"alive":      nodeMetrics.Alive,
			"throughput": nodeMetrics.CurrentThroughput,
			"bufferSize": nodeMetrics.BufferSize,
		}
	}
	if err := vm.Set("node", node); err != nil {
		return nil, dispatcherrors.NewFaulted("failed to set node", err)
	}

	value, err := vm.RunProgram(r.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, dispatcherrors.NewCancelled("script cancelled", ctxErr)
			}
			return nil, dispatcherrors.NewProcessingFailed("script timed out", ctx.Err())
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return nil, dispatcherrors.NewProcessingFailed("script threw: "+exception.Value().String(), err)
		}
		return nil, dispatcherrors.NewProcessingFailed("script failed", err)
	}
	return value.Export(), nil
}

func (r *Runner) acquire() *goja.Runtime {
	select {
	case vm := <-r.pool:
		return vm
	default:
		vm := goja.New()
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		return vm
	}
}

func (r *Runner) release(vm *goja.Runtime, healthy bool) {
	if !healthy {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.pool <- vm:
	default:
	}
}

// Close drops the pooled runtimes. Later calls fail with CANCELLED.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for {
		select {
		case <-r.pool:
		default:
			r.logger.Debug("Script runner closed")
			return nil
		}
	}
}
