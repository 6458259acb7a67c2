package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"healthsync-chat/internal/observability"
)

// ServiceName is the health service name reported for the chat backend.
const ServiceName = "healthsync.chat"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer exposes grpc.health.v1 for orchestrators and keeps the serving
// status in line with database reachability.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	db     Pinger
	logger *zap.Logger
}

// NewHealthServer builds the gRPC server with tracing and metrics interceptors.
func NewHealthServer(db Pinger, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{server: srv, health: hs, db: db, logger: logger.Named("grpc")}
}

// Serve blocks serving on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Check refreshes the serving status from the database.
func (h *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Warn("database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	return status
}

// Watch re-checks the dependencies every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Stop marks the service as not serving and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
