package main

import (
	"context"

	"github.com/equinix-labs/otel-init-go/otelinit"
)

// initOtel sets up the OpenTelemetry plumbing so it's ready to use.
// Configured via the standard OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_INSECURE environment variables; with no endpoint set
// spans are dropped. The returned func flushes and shuts down.
func initOtel(ctx context.Context) (context.Context, func(context.Context)) {
	return otelinit.InitOpenTelemetry(ctx, "tracer")
}
