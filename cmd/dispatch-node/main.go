// Command dispatch-node is a remote worker. It answers process and heartbeat
// requests on NATS by running a JavaScript transform, publishes periodic
// health reports, and optionally serves the gRPC health protocol.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/wehubfusion/Dispatch/internal/app"
	dnats "github.com/wehubfusion/Dispatch/internal/nats"
	"github.com/wehubfusion/Dispatch/pkg/codec"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/script"
	"github.com/wehubfusion/Dispatch/pkg/transport/grpchealth"
	"github.com/wehubfusion/Dispatch/pkg/transport/natsrpc"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, "dispatch-node")
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger

	if err := run(ctx, logger); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := loadWorkerConfig(os.Getenv)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("machine", cfg.MachineName))

	runner, err := script.New(script.Config{
		Script:   cfg.Script,
		Timeout:  cfg.ScriptTimeout,
		PoolSize: cfg.ScriptPoolSize,
	}, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	natsConfig := dnats.LoadConnectionConfig()
	natsConfig.Name = "dispatch-node-" + cfg.MachineName
	nc, err := dnats.Connect(ctx, natsConfig, logger)
	if err != nil {
		return err
	}
	defer dnats.Close(nc)

	server, err := natsrpc.NewServer[any, any](natsrpc.WrapConn(nc), natsrpc.Options{
		Subjects: natsrpc.Subjects{Prefix: natsConfig.SubjectPrefix, Machine: cfg.MachineName},
		Codec:    codec.Get(cfg.Codec),
		Logger:   logger,
	}, runner.Handle)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("Errors while closing the NATS server", zap.Error(err))
		}
	}()

	sampler := metrics.NewRuntimeSampler(cfg.MachineName)
	go server.ReportHealth(ctx, cfg.HealthInterval, sampler.Sample)

	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return err
		}
		health := grpchealth.NewServer(logger, grpchealth.ServiceName)
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		defer health.Stop()
	}

	logger.Info("Worker ready",
		zap.String("process_subject", natsrpc.Subjects{Prefix: natsConfig.SubjectPrefix, Machine: cfg.MachineName}.Process()),
		zap.String("codec", cfg.Codec))

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping worker")
	return nil
}
