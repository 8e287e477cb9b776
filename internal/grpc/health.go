package grpc

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Check reports whether one dependency is usable
type Check func() error

// HealthServer implements the gRPC health checking protocol over a set of
// named dependency checks
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	service string
	checks  map[string]Check
	log     *zap.Logger
}

// NewHealthServer creates a health server answering for service and for
// the empty service name
func NewHealthServer(service string, checks map[string]Check, log *zap.Logger) *HealthServer {
	return &HealthServer{
		service: service,
		checks:  checks,
		log:     log,
	}
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if req.GetService() != "" && req.GetService() != h.service {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &grpc_health_v1.HealthCheckResponse{Status: h.status()}, nil
}

// Watch sends the current status once
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	if req.GetService() != "" && req.GetService() != h.service {
		return server.Send(&grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN,
		})
	}
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status()})
}

func (h *HealthServer) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](); err != nil {
			h.log.Error("Health check failed", zap.String("dependency", name), zap.Error(err))
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}
