// Package telemetry initialises optional OpenTelemetry trace, metric, and log
// providers backed by an OTLP gRPC collector. All three providers share a
// single gRPC connection to reduce overhead. Metrics can additionally be
// exposed for Prometheus scraping through an in-process registry.
//
// Call [Setup] once during startup. The returned [ShutdownFunc] must be called
// before the process exits to flush pending telemetry.
//
// If telemetry is not configured, the global providers remain no-ops and the
// rest of the codebase incurs no overhead.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config groups all telemetry settings. It maps 1-to-1 with the
// [config.TelemetryConfig] YAML block.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of your OTLP collector,
	// e.g. "localhost:4317" or "otelcol.example.com:4317". Empty disables
	// OTLP export.
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	// Set to true for local collectors that have no TLS cert.
	Insecure bool

	// ServiceName overrides the OTel service.name resource attribute.
	// Defaults to "siterelay".
	ServiceName string

	// Headers is sent as gRPC metadata on every OTLP request.
	// Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment variable.
	// Typical use: authentication tokens such as {"Authorization": "Bearer <token>"}.
	Headers map[string]string

	// Prometheus, when non-nil, receives every OTel metric through a pull
	// reader. Serve it with promhttp.
	Prometheus prometheus.Registerer
}

// ShutdownFunc flushes and closes every provider Setup installed. Call it
// with a fresh context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// DefaultServiceName is reported as service.name when Config leaves it empty.
const DefaultServiceName = "siterelay"

// Setup installs the global providers. An OTLP endpoint enables trace,
// metric, and log export over one gRPC connection; a Prometheus registerer
// adds a pull reader for metrics. With neither, the globals stay no-ops.
//
// The returned ShutdownFunc is never nil, so callers can defer it before
// checking the error.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" && cfg.Prometheus == nil {
		return noopShutdown, nil
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}

	var (
		st      stack
		readers []sdkmetric.Option
	)
	fail := func(err error) (ShutdownFunc, error) {
		_ = st.unwind(ctx)
		return noopShutdown, err
	}

	if cfg.Prometheus != nil {
		promExp, err := otelprom.New(otelprom.WithRegisterer(cfg.Prometheus))
		if err != nil {
			return fail(fmt.Errorf("creating Prometheus exporter: %w", err))
		}
		readers = append(readers, sdkmetric.WithReader(promExp))
	}

	if cfg.OTLPEndpoint != "" {
		conn, err := dialCollector(cfg)
		if err != nil {
			return fail(err)
		}
		st.push("OTLP gRPC connection", func(context.Context) error { return conn.Close() })

		traceExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithGRPCConn(conn),
			otlptracegrpc.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
		st.push("trace provider", tp.Shutdown)
		otel.SetTracerProvider(tp)

		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithGRPCConn(conn),
			otlpmetricgrpc.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))

		logExp, err := otlploggrpc.New(ctx,
			otlploggrpc.WithGRPCConn(conn),
			otlploggrpc.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		st.push("log provider", lp.Shutdown)
		global.SetLoggerProvider(lp)
	}

	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	st.push("metric provider", mp.Shutdown)
	otel.SetMeterProvider(mp)

	return st.unwind, nil
}

// newResource describes this process. NewSchemaless avoids a schema URL
// conflict between resource.Default and the semconv version imported here.
func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

// --- shutdown stack ---

type closer struct {
	name string
	fn   func(context.Context) error
}

// stack runs closers in reverse push order, so providers flush before the
// connection they export over is closed.
type stack struct {
	closers []closer
}

func (s *stack) push(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

func (s *stack) unwind(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func noopShutdown(context.Context) error { return nil }
