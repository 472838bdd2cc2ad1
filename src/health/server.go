package health

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes grpc.health.v1. The empty service name reports the daemon as a
// whole and every quantity gets its own service name.
type Server struct {
	grpc   *grpc.Server
	health *health.Server

	mu  sync.Mutex
	lis net.Listener
}

func New() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing sets the overall status.
func (s *Server) SetServing(serving bool) {
	s.health.SetServingStatus("", status(serving))
}

// SetQuantity records whether the last read of a quantity succeeded.
func (s *Server) SetQuantity(name string, ok bool) {
	s.health.SetServingStatus(name, status(ok))
}

func status(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"ADDRESS": lis.Addr(),
	}).Debug("started health server")

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			log.WithFields(log.Fields{
				"ERR": err,
			}).Error("health server stopped")
		}
	}()
	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop marks everything NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
