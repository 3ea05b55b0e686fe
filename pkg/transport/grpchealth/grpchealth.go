// Package grpchealth exposes node liveness over the standard gRPC health
// checking protocol. Remote workers serve it, dispatchers use it as their
// heartbeat.
package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	dispatcherrors "github.com/wehubfusion/Dispatch/pkg/errors"
	"github.com/wehubfusion/Dispatch/pkg/metrics"
	"github.com/wehubfusion/Dispatch/pkg/node"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service a remote worker registers.
const ServiceName = "dispatch.RemoteNode"

const stopTimeout = 5 * time.Second

// Client checks one remote worker.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	service string
	logger  *zap.Logger
}

// Dial creates a client for target. Insecure transport credentials are used
// unless opts supply others.
func Dial(target, service string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, fmt.Errorf("target cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}

	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		service: service,
		logger:  logger.With(zap.String("target", target)),
	}, nil
}

// HeartBeat succeeds only when the worker reports SERVING.
func (c *Client) HeartBeat(ctx context.Context, nodeID string) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return dispatcherrors.NewRemoteUnavailable("health check failed", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		c.logger.Debug("Remote node is not serving",
			zap.String("node_id", nodeID),
			zap.String("status", resp.GetStatus().String()))
		return dispatcherrors.NewRemoteUnavailable(fmt.Sprintf("remote node status is %s", resp.GetStatus()), nil)
	}
	return nil
}

// Watch streams serving transitions to fn until ctx is done or the stream
// ends. It returns nil when ctx was cancelled.
func (c *Client) Watch(ctx context.Context, fn func(serving bool)) error {
	stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		return dispatcherrors.NewRemoteUnavailable("failed to open health watch", err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return dispatcherrors.NewRemoteUnavailable("health watch ended", nil)
			}
			return dispatcherrors.NewRemoteUnavailable("health watch failed", err)
		}
		fn(resp.GetStatus() == healthpb.HealthCheckResponse_SERVING)
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Contract replaces the heartbeat of a remote contract with a gRPC health
// check and keeps its processing and health stream.
type Contract[In, Out any] struct {
	node.Contract[In, Out]
	client *Client
}

// WithHealthCheck wraps contract so that heartbeats go through client.
func WithHealthCheck[In, Out any](contract node.Contract[In, Out], client *Client) *Contract[In, Out] {
	return &Contract[In, Out]{Contract: contract, client: client}
}

func (c *Contract[In, Out]) HeartBeat(ctx context.Context, nodeID string) error {
	return c.client.HeartBeat(ctx, nodeID)
}

// SubscribeHealth forwards to the wrapped contract when it has a health stream.
func (c *Contract[In, Out]) SubscribeHealth(fn func(metrics.NodeHealth)) (func() error, error) {
	if subscriber, ok := c.Contract.(node.HealthSubscriber); ok {
		return subscriber.SubscribeHealth(fn)
	}
	return nil, nil
}

// Server serves the health protocol for a remote worker.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer registers a health service reporting SERVING for the overall
// server and every name in services.
func NewServer(logger *zap.Logger, services ...string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	for _, service := range services {
		s.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	}
	return s
}

// SetServing flips the status of service.
func (s *Server) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.logger.Info("Health status changed", zap.String("service", service), zap.String("status", st.String()))
	s.health.SetServingStatus(service, st)
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops gracefully, forcing the
// stop when open watch streams outlive stopTimeout.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("Graceful stop timed out, forcing", zap.Duration("timeout", stopTimeout))
		s.grpc.Stop()
	}
}
