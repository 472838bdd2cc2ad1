package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
)

func check(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestStatuses(t *testing.T) {
	s := New()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))

	s.SetServing(true)
	s.SetQuantity("ph", true)
	s.SetQuantity("ec", false)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, "ph"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, "ec"))

	_, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orp"})
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestServeOverTCP(t *testing.T) {
	s := New()
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()
	s.SetQuantity("ph", true)

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "ph"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
