package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Span exporters accepted by TracerConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// shutdownTimeout bounds the final span flush.
const shutdownTimeout = 5 * time.Second

// TracerConfig selects the span exporter of a run.
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string

	// Exporter is one of ExporterNone, ExporterStdout or ExporterOTLP.
	Exporter string

	// Writer receives stdout exporter output. Nil means os.Stderr, which
	// keeps spans out of JSON written to stdout.
	Writer io.Writer

	// OTLPEndpoint is a gRPC collector address such as localhost:4317.
	OTLPEndpoint string
	OTLPInsecure bool

	// SamplingRate is the fraction of root spans kept, 0.0 to 1.0.
	SamplingRate float64
}

// DefaultTracerConfig samples everything and exports nowhere.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		ServiceName:    "nusign",
		ServiceVersion: "0.0.0-dev",
		Exporter:       ExporterNone,
		SamplingRate:   1.0,
	}
}

// SetupTracing installs a global tracer provider for config and the W3C
// trace context propagator. Callers flush it with ShutdownTracing.
func SetupTracing(ctx context.Context, config TracerConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter, err := newSpanExporter(ctx, config)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// newSpanExporter returns nil for ExporterNone.
func newSpanExporter(ctx context.Context, config TracerConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		w := config.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP:
		exporter, err := newOTLPExporter(ctx, config.OTLPEndpoint, config.OTLPInsecure)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

func newOTLPExporter(ctx context.Context, endpoint string, plaintext bool) (*otlptrace.Exporter, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
}

// ShutdownTracing flushes pending spans and stops tp.
func ShutdownTracing(ctx context.Context, tp *sdktrace.TracerProvider) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a span on the named tracer.
func StartSpan(ctx context.Context, tracerName string, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, spanName, opts...)
}

// RecordError records err on the span in ctx.
func RecordError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}
