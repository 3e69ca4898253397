package main

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/genesistracer/tracer/pkg/healthcheck"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/packethost/pkg/env"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// setupGRPC serves the standard health service. It reports NOT_SERVING until
// main marks the account store ready. TLS is used when GRPC_CERT and GRPC_KEY
// are both set.
func setupGRPC(ctx context.Context, port string, errCh chan<- error) *healthcheck.HealthChecker {
	params := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}

	cert, key := env.Get("GRPC_CERT"), env.Get("GRPC_KEY")
	if cert != "" || key != "" {
		kp, err := tls.X509KeyPair([]byte(cert), []byte(key))
		if err != nil {
			err = errors.Wrap(err, "failed to ingest TLS files")
			logger.Error(err)
			panic(err)
		}
		params = append(params, grpc.Creds(credentials.NewServerTLSFromCert(&kp)))
	}

	s := grpc.NewServer(params...)
	health := healthcheck.GRPCHealthChecker()
	grpc_health_v1.RegisterHealthServer(s, health)
	grpc_prometheus.Register(s)

	go func() {
		logger.With("port", port).Info("serving grpc")
		lis, err := net.Listen("tcp", ":"+port)
		if err != nil {
			err = errors.Wrap(err, "failed to listen")
			logger.Error(err)
			panic(err)
		}

		errCh <- s.Serve(lis)
	}()

	go func() {
		<-ctx.Done()
		health.SetServing(false)
		s.GracefulStop()
	}()

	return health
}
