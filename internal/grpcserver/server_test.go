package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufferSize = 1 << 20

type togglePing struct {
	failing atomic.Bool
}

func (ping *togglePing) Ping(context.Context) error {
	if ping.failing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func startBufconnServer(test *testing.T, ping *togglePing) (*Server, healthgrpc.HealthClient, *observer.ObservedLogs) {
	test.Helper()
	core, logs := observer.New(zap.InfoLevel)
	server, err := New(Config{CheckInterval: time.Hour}, ping.Ping, zap.New(core))
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	listener := bufconn.Listen(bufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, listener) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() {
		_ = conn.Close()
		cancel()
		if err := <-serveErr; err != nil {
			test.Errorf("serve returned error: %v", err)
		}
	})
	return server, healthgrpc.NewHealthClient(conn), logs
}

func mustHealth(test *testing.T, client healthgrpc.HealthClient, service string) healthgrpc.HealthCheckResponse_ServingStatus {
	test.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthgrpc.HealthCheckRequest{Service: service})
	if err != nil {
		test.Fatalf("health check %q: %v", service, err)
	}
	return response.GetStatus()
}

func TestHealthFollowsStoreReachability(test *testing.T) {
	ping := &togglePing{}
	server, client, logs := startBufconnServer(test, ping)

	for _, service := range []string{"", ServiceName} {
		if status := mustHealth(test, client, service); status != healthgrpc.HealthCheckResponse_SERVING {
			test.Fatalf("expected SERVING for %q, got %s", service, status)
		}
	}

	ping.failing.Store(true)
	if status := server.Check(context.Background()); status != healthgrpc.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING after a failed ping, got %s", status)
	}
	if status := mustHealth(test, client, ServiceName); status != healthgrpc.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING, got %s", status)
	}
	if logs.FilterMessage("store unreachable").Len() != 1 {
		test.Fatalf("expected one unreachable log entry")
	}

	server.Check(context.Background())
	if logs.FilterMessage("store unreachable").Len() != 1 {
		test.Fatalf("expected repeated failures to log once")
	}

	ping.failing.Store(false)
	server.Check(context.Background())
	if status := mustHealth(test, client, ""); status != healthgrpc.HealthCheckResponse_SERVING {
		test.Fatalf("expected recovery to SERVING, got %s", status)
	}
}

func TestNewRejectsMissingPing(test *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		test.Fatalf("expected error for nil ping")
	}
}
