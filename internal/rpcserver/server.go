// Package rpcserver wires the gRPC transport surface clusterd exposes
// alongside its REST/WebSocket listener: a bare grpc.Server with health
// checking and reflection registered, the way plugin/grpc/server.go wires
// a PluginServer's listener and registers its service, minus the
// port-search retry loop that package needs for ephemeral plugin ports.
package rpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
)

// Server owns the grpc.Server instance and its health reporter. Further
// services can be registered against Registrar before Serve is called; no
// ChessAnalysis/ClusterAdmin implementation exists in this module, so only
// health and reflection are served.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *zap.SugaredLogger
}

// Registrar exposes the underlying *grpc.Server so callers can register
// generated service implementations without this package depending on
// their generated code.
func (s *Server) Registrar() *grpc.Server { return s.grpcServer }

// New constructs a Server with health checking and reflection already
// registered, matching plugin/grpc/server.go's pattern of registering
// cross-cutting services once up front.
func New(log *zap.SugaredLogger) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()

	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		log:        logging.Component(log, "rpcserver"),
	}
}

// SetServing marks service as healthy/unhealthy in the health checking
// protocol. cmd/ironfishd marks "clusterd" SERVING once at startup; cluster
// status does not update it afterwards.
func (s *Server) SetServing(service string, healthy bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve listens on addr and blocks serving gRPC until ctx is cancelled or
// the listener errors.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return ierrors.Wrapf(err, "rpcserver: listen on %s", addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates all in-flight RPCs.
func (s *Server) Stop() { s.grpcServer.Stop() }
