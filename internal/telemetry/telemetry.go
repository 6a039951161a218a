// Package telemetry wires distributed tracing across the control-plane
// operations (spec.md DOMAIN STACK: install/start/stop spans, the
// internal/control HTTP+JSON mux). It is new ambient surface the
// distilled spec does not name but the pack's go.mod already carries the
// full OTel stack for. Spans are exported over gRPC (otlptracegrpc); the
// internal/control mux itself stays HTTP+JSON over a unix socket.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Options configures the tracer provider. Empty CollectorAddr disables
// exporting and falls back to a no-op tracer so the daemon runs fine with
// no collector present.
type Options struct {
	ServiceName    string
	ServiceVersion string
	CollectorAddr  string // e.g. "localhost:4317"
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Setup installs the global TracerProvider and returns its Shutdown func.
func Setup(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.CollectorAddr == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	conn, err := grpc.NewClient(opts.CollectorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		c, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(c)
	}, nil
}

// Tracer returns the named tracer from the global provider, for control
// plane operations to start spans with.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }
