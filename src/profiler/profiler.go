package profiler

import (
	"context"
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	srv *http.Server
	lis net.Listener
}

// Start serves the pprof handlers on addr in the background.
func Start(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: http.DefaultServeMux, ReadHeaderTimeout: 5 * time.Second},
		lis: lis,
	}

	log.WithFields(log.Fields{
		"ADDRESS": lis.Addr(),
	}).Info("profiling server running")

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(log.Fields{
				"ERR": err,
			}).Error("profiling server stopped")
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
