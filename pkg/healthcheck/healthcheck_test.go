package healthcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestCheck(t *testing.T) {
	assert := require.New(t)
	h := GRPCHealthChecker()

	resp, err := h.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	assert.NoError(err)
	assert.Equal(grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
	assert.False(h.Serving())

	h.SetServing(true)
	resp, err = h.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	assert.NoError(err)
	assert.Equal(grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
	assert.True(h.Serving())
}

func TestWatch(t *testing.T) {
	assert := require.New(t)
	h := GRPCHealthChecker()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	go s.Serve(lis)
	defer s.Stop()

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	assert.NoError(err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := grpc_health_v1.NewHealthClient(conn).Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	assert.NoError(err)

	resp, err := w.Recv()
	assert.NoError(err)
	assert.Equal(grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.SetServing(true)
	resp, err = w.Recv()
	assert.NoError(err)
	assert.Equal(grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
