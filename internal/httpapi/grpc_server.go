package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mawney.org/sentinel/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer mirrors HTTP readiness onto the standard gRPC health service.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewGRPCServer builds a gRPC server exposing only the health service.
func NewGRPCServer(r readinessChecker, interval time.Duration) (*grpc.Server, *HealthServer) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := &HealthServer{health: health.NewServer(), readiness: r, interval: interval}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs.health)
	return srv, hs
}

// Refresh runs the readiness check once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.readiness != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.readiness.Check(cctx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Named("grpc").Debug("not ready", obs.Err(err))
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
	return status
}

// Run refreshes readiness every interval until ctx is done, then marks the
// service as shutting down.
func (h *HealthServer) Run(ctx context.Context) error {
	h.Refresh(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			obs.Named("grpc").Info("health service stopped", zap.String("service", serviceName))
			return nil
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
