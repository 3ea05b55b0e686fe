// Package app wires the process-wide concerns shared by the dispatch
// binaries: logging, Sentry alerting, tracing and container CPU limits.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Dispatch/internal/tracing"
	"github.com/wehubfusion/Dispatch/pkg/alerting"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	"go.uber.org/zap"
)

// Runtime holds the process-wide logger and the teardown of everything
// Setup started.
type Runtime struct {
	Logger *zap.Logger

	flushSentry    func()
	undoMaxprocs   func()
	shutdownTracer func(context.Context) error
	closeOnce      sync.Once
}

// Setup builds the production logger, tees it into Sentry when
// DISPATCH_SENTRY_DSN is set, starts OTLP tracing when
// DISPATCH_TRACING_ENDPOINT is set, and sizes GOMAXPROCS to the container.
func Setup(ctx context.Context, service string) (*Runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.With(zap.String("service", service))
	rt := &Runtime{Logger: logger}

	if cfg, ok := alerting.ConfigFromEnv(); ok {
		hub, err := alerting.NewHub(cfg)
		if err != nil {
			return nil, err
		}
		rt.Logger = alerting.Attach(logger, alerting.NewCore(hub, cfg.Level, cfg.FlushTimeout))
		rt.flushSentry = func() { hub.Flush(cfg.FlushTimeout) }
		logger.Info("Sentry alerting enabled", zap.String("level", cfg.Level.String()))
	}

	rt.undoMaxprocs = concurrency.InitializeForKubernetes(rt.Logger)

	if cfg, ok := tracing.ConfigFromEnv(service); ok {
		shutdown, err := tracing.SetupTracing(ctx, cfg, rt.Logger)
		if err != nil {
			rt.Logger.Warn("Tracing disabled, setup failed", zap.Error(err))
		} else {
			rt.shutdownTracer = shutdown
		}
	}
	return rt, nil
}

// Close flushes and stops everything Setup started. Only the first call
// has an effect.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.shutdownTracer != nil {
			_ = tracing.ShutdownTracing(r.shutdownTracer, r.Logger)
		}
		if r.undoMaxprocs != nil {
			r.undoMaxprocs()
		}
		if r.flushSentry != nil {
			r.flushSentry()
		}
		_ = r.Logger.Sync()
	})
}
