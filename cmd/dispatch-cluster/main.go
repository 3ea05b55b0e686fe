// Command dispatch-cluster is the coordinator. It pulls work from a
// JetStream consumer, spreads it over remote dispatch-node workers through
// per-worker windowing buffers and circuit breakers, and publishes results.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Dispatch/internal/app"
	dnats "github.com/wehubfusion/Dispatch/internal/nats"
	"github.com/wehubfusion/Dispatch/pkg/cluster"
	"github.com/wehubfusion/Dispatch/pkg/codec"
	"github.com/wehubfusion/Dispatch/pkg/concurrency"
	"github.com/wehubfusion/Dispatch/pkg/deadletter"
	"github.com/wehubfusion/Dispatch/pkg/ingest"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/node"
	"github.com/wehubfusion/Dispatch/pkg/transport/grpchealth"
	"github.com/wehubfusion/Dispatch/pkg/transport/natsrpc"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, "dispatch-cluster")
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer rt.Close()

	if err := run(ctx, rt.Logger); err != nil {
		rt.Logger.Error("Coordinator stopped with error", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := loadCoordinatorConfig(os.Getenv)
	if err != nil {
		return err
	}
	opts := concurrency.LoadClusterOptions()
	breaker := concurrency.LoadCircuitBreakerOptions()
	logger.Info("Cluster options loaded",
		zap.Stringer("options", opts),
		zap.Int("nodes", len(cfg.Hosts)),
		zap.Bool("grpc_health", cfg.GRPCHealth))

	natsConfig := dnats.LoadConnectionConfig()
	natsConfig.Name = "dispatch-cluster"
	nc, err := dnats.Connect(ctx, natsConfig, logger)
	if err != nil {
		return err
	}
	defer dnats.Close(nc)

	hub := metrics.NewHub()
	sink, err := metrics.NewGlobalOTelSink(hub)
	if err != nil {
		return err
	}
	defer sink.Close()
	defer watchLiveness(hub, logger)()

	var deadLetter node.DeadLetterSink
	if cfg.DeadLetterConnectionString != "" {
		blob, err := deadletter.NewAzureBlobClient(cfg.DeadLetterConnectionString, cfg.DeadLetterContainer, logger)
		if err != nil {
			return err
		}
		recorder := deadletter.NewRecorder(deadletter.NewBlobSink(blob, codec.JSON{}, cfg.DeadLetterPrefix), 0, logger)
		defer recorder.Close()
		deadLetter = recorder
	}

	var healthClients []*grpchealth.Client
	defer func() {
		for _, c := range healthClients {
			_ = c.Close()
		}
	}()

	conn := natsrpc.WrapConn(nc)
	nodes, err := cluster.FromHosts(cfg.Hosts, func(host cluster.Host) (cluster.Node[any, any], error) {
		contract, err := natsrpc.NewContract[any, any](conn, natsrpc.Options{
			Subjects: natsrpc.Subjects{Prefix: natsConfig.SubjectPrefix, Machine: host.MachineName},
			Codec:    codec.Get(cfg.Codec),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}

		var remote node.Contract[any, any] = contract
		if cfg.GRPCHealth {
			client, err := grpchealth.Dial(host.String(), grpchealth.ServiceName, logger)
			if err != nil {
				return nil, err
			}
			healthClients = append(healthClients, client)
			remote = grpchealth.WithHealthCheck[any, any](contract, client)
		}

		n, err := node.NewRemoteNode[any, any](node.Config{
			ID:         host.MachineName,
			Options:    opts,
			Breaker:    breaker,
			Logger:     logger,
			Hub:        hub,
			DeadLetter: deadLetter,
		}, remote)
		if err != nil {
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return err
	}

	c, err := cluster.New(nodes, hub, logger)
	if err != nil {
		for _, n := range nodes {
			_ = n.Close()
		}
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Errors while closing the cluster", zap.Error(err))
		}
	}()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	source, err := ingest.NewJetStreamSource(js, ingest.StreamConfig{
		Stream:     cfg.Stream,
		Consumer:   cfg.Consumer,
		MaxDeliver: natsConfig.MaxDeliver,
	}, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	runner, err := ingest.NewRunner[any, any](source, c, ingest.Config{
		BatchSize:      cfg.BatchSize,
		MaxInFlight:    cfg.MaxInFlight,
		ProcessTimeout: cfg.ProcessTimeout,
	}, publishResults(nc, cfg.ResultSubject), logger)
	if err != nil {
		return err
	}

	logger.Info("Coordinator ready", zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer))
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown signal received, draining cluster")
	return nil
}

type resultMessage struct {
	Subject string `json:"subject"`
	Result  any    `json:"result"`
}

func publishResults(nc *nats.Conn, subject string) ingest.ResultHandler[any] {
	if subject == "" {
		return nil
	}
	return func(_ context.Context, source string, out any) error {
		data, err := codec.JSON{}.Marshal(resultMessage{Subject: source, Result: out})
		if err != nil {
			return err
		}
		return nc.Publish(subject, data)
	}
}

// watchLiveness logs every node whose liveness changed since its previous
// snapshot.
func watchLiveness(hub *metrics.Hub, logger *zap.Logger) (unsubscribe func()) {
	var (
		mu    sync.Mutex
		alive = make(map[string]bool)
	)
	return hub.Subscribe(func(m metrics.NodeMetrics) {
		mu.Lock()
		prev, known := alive[m.ID]
		alive[m.ID] = m.Alive
		mu.Unlock()

		switch {
		case known && prev && !m.Alive:
			logger.Error("Node stopped answering heartbeats",
				zap.String("node_id", m.ID),
				zap.String("breaker_state", m.BreakerState),
				zap.Bool("critical", true))
		case known && !prev && m.Alive:
			logger.Info("Node is alive again", zap.String("node_id", m.ID))
		}
	})
}
