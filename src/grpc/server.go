package grpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "sample_dispatcher"

// HealthServer exposes grpc.health.v1.Health for the coordinator. It starts
// NOT_SERVING.
type HealthServer struct {
	logger       *logrus.Logger
	listener     net.Listener
	grpcServer   *grpc.Server
	healthServer *health.Server
	stopOnce     sync.Once
}

// NewHealthServer binds port; 0 picks a free one.
func NewHealthServer(port int, logger *logrus.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &HealthServer{
		logger:       logger,
		listener:     lis,
		grpcServer:   grpcServer,
		healthServer: healthServer,
	}
	s.SetServing(false)
	return s, nil
}

func (s *HealthServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop is called.
func (s *HealthServer) Start() error {
	s.logger.WithField("address", s.Addr().String()).Info("gRPC health server started successfully")

	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// SetServing reports whether the coordinator is producing batches.
func (s *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(ServiceName, status)
	s.logger.WithField("status", status.String()).Debug("Health status changed")
}

// Stop marks the service NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Stop() {
	s.stopOnce.Do(func() {
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC health server stopped")
	})
}
