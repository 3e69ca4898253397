// Package healthcheck provides service to get grpc server health status.
package healthcheck

import (
	"context"
	"sync"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker for grpc server. It reports NOT_SERVING until SetServing(true).
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer

	mu       sync.Mutex
	serving  bool
	watchers map[chan struct{}]struct{}
}

func (s *HealthChecker) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// SetServing changes the reported status and wakes every watcher.
func (s *HealthChecker) SetServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving == serving {
		return
	}
	s.serving = serving
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Serving reports the current status.
func (s *HealthChecker) Serving() bool {
	return s.status() == grpc_health_v1.HealthCheckResponse_SERVING
}

// Check status and return a GRPC health response.
func (s *HealthChecker) Check(_ context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: s.status()}, nil
}

// Watch streams the server status, once now and again on every change.
func (s *HealthChecker) Watch(_ *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()

	for {
		if err := server.Send(&grpc_health_v1.HealthCheckResponse{Status: s.status()}); err != nil {
			return err
		}
		select {
		case <-server.Context().Done():
			return server.Context().Err()
		case <-ch:
		}
	}
}

// GRPCHealthChecker requests to check the grpc server health.
func GRPCHealthChecker() *HealthChecker {
	return &HealthChecker{watchers: map[chan struct{}]struct{}{}}
}
