package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"medgate.org/internal/obs"
)

// GRPCServiceName is the health service name reported alongside "".
const GRPCServiceName = "medgate.rbac.v1.RBAC"

// HealthServer publishes readiness over the standard gRPC health protocol.
type HealthServer struct {
	*health.Server
	readiness Readiness
}

func NewHealthServer(r Readiness) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

// Refresh runs the readiness probe once and updates the serving status.
func (s *HealthServer) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.SetServingStatus("", status)
	s.SetServingStatus(GRPCServiceName, status)
	return err
}

// Run refreshes every interval until ctx is done, then marks the server
// as shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Refresh(probeCtx); err != nil && ctx.Err() == nil {
			obs.Warn("grpc_health_not_serving", map[string]any{"error": err})
		}
		cancel()
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// NewGRPCServer registers the health service on a fresh server.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.Server)
	return srv
}
