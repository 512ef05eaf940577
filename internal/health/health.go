// Package health serves the standard gRPC health protocol reflecting the
// state of the running ingestion job.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"barvault/internal/domain"
)

// Service is the health service name reported for the ingestion job.
const Service = "barvault.ingest"

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// New creates a health server reporting NOT_SERVING until a job starts.
func New(log *slog.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{grpc: gs, health: hs, log: log.With("component", "health")}
}

// SetStatus maps a job status onto the health status of Service.
func (s *Server) SetStatus(status domain.JobStatus) {
	st := healthpb.HealthCheckResponse_SERVING
	if status == domain.JobFailed || status == domain.JobCancelled {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(Service, st)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("gRPC health listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}
