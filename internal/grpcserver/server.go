// Package grpcserver serves gRPC health and reflection for walletd, with the
// serving status following database reachability.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall "" entry.
const ServiceName = "coinledger.wallet"

const (
	defaultCheckInterval = 15 * time.Second
	defaultCheckTimeout  = 2 * time.Second
)

// PingFunc reports whether the backing store is reachable.
type PingFunc func(ctx context.Context) error

// Config controls the listener and how often the store is pinged.
type Config struct {
	ListenAddr    string
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Server wraps a grpc.Server with a health service driven by periodic store pings.
type Server struct {
	cfg     Config
	grpc    *grpc.Server
	health  *health.Server
	ping    PingFunc
	logger  *zap.Logger
	mu      sync.Mutex
	current healthgrpc.HealthCheckResponse_ServingStatus
}

// New registers health and reflection on a fresh grpc.Server.
func New(cfg Config, ping PingFunc, logger *zap.Logger) (*Server, error) {
	if ping == nil {
		return nil, errors.New("ping dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	server := &Server{
		cfg:     cfg,
		grpc:    grpcServer,
		health:  healthServer,
		ping:    ping,
		logger:  logger,
		current: healthgrpc.HealthCheckResponse_UNKNOWN,
	}
	server.setStatus(healthgrpc.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Check pings the store once and publishes the resulting serving status.
func (server *Server) Check(ctx context.Context) healthgrpc.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, server.cfg.CheckTimeout)
	defer cancel()
	if err := server.ping(pingCtx); err != nil {
		if server.setStatus(healthgrpc.HealthCheckResponse_NOT_SERVING) {
			server.logger.Warn("store unreachable", zap.Error(err))
		}
		return healthgrpc.HealthCheckResponse_NOT_SERVING
	}
	if server.setStatus(healthgrpc.HealthCheckResponse_SERVING) {
		server.logger.Info("store reachable")
	}
	return healthgrpc.HealthCheckResponse_SERVING
}

// Run listens on the configured address and serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", server.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, probing the store in the background.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Check(ctx)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go server.monitor(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpc.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("gRPC shutdown requested")
		server.health.Shutdown()
		server.grpc.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(server.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

// setStatus publishes status for both health entries and reports whether it changed.
func (server *Server) setStatus(status healthgrpc.HealthCheckResponse_ServingStatus) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.current == status {
		return false
	}
	server.current = status
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
	return true
}
