// Package telemetry wires up OpenTelemetry tracing and metrics for the
// server, following the same tracer/meter/instrument shape the teacher uses
// in internal/storage/dolt/store.go: package-level instruments registered
// against the global provider at init time, so they are no-ops until Init
// installs a real provider and start forwarding transparently afterward.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Tracer is the package-wide tracer used across the server's components.
var Tracer = otel.Tracer("github.com/greenape/flowmachine-server")

// Meter is the package-wide meter used to register instruments.
var Meter = otel.Meter("github.com/greenape/flowmachine-server")

// Instruments holds the handful of counters/histograms the core subsystems
// record against: cache evictions, streamer row counts, and CAS conflicts.
var Instruments struct {
	CacheEvictions  metric.Int64Counter
	StreamedRows    metric.Int64Counter
	CASConflicts    metric.Int64Counter
	ExecutionLatency metric.Float64Histogram
}

func init() {
	Instruments.CacheEvictions, _ = Meter.Int64Counter("flowmachine.cache.evictions",
		metric.WithDescription("cache records evicted by the shrink routines"),
		metric.WithUnit("{record}"),
	)
	Instruments.StreamedRows, _ = Meter.Int64Counter("flowmachine.streamer.rows",
		metric.WithDescription("result rows emitted by the streaming retrieval path"),
		metric.WithUnit("{row}"),
	)
	Instruments.CASConflicts, _ = Meter.Int64Counter("flowmachine.coordination.cas_conflicts",
		metric.WithDescription("compare-and-swap attempts that lost the race"),
		metric.WithUnit("{conflict}"),
	)
	Instruments.ExecutionLatency, _ = Meter.Float64Histogram("flowmachine.query.execution_ms",
		metric.WithDescription("wall-clock time spent executing a query against the warehouse"),
		metric.WithUnit("ms"),
	)
}

// Exporter selects which backend Init exports to.
type Exporter string

const (
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
	ExporterNone   Exporter = "none"
)

// Config controls how Init wires the global tracer/meter providers.
type Config struct {
	ServiceName string
	Exporter    Exporter
	OTLPEndpoint string
}

// Shutdown flushes and releases provider resources; it is returned by Init
// and should be deferred by the caller.
type Shutdown func(context.Context) error

// Init installs the global trace and metric providers described by cfg and
// returns a Shutdown to call during process exit. Passing ExporterNone keeps
// the no-op providers already installed by the otel package defaults.
// ExporterStdout installs both providers; ExporterOTLP installs only the
// metric provider, so traces stay on the no-op tracer provider.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	switch cfg.Exporter {
	case ExporterStdout:
		traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)

		metricExp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)

	case ExporterOTLP:
		metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return func(shutdownCtx context.Context) error {
		var firstErr error
		for _, fn := range shutdowns {
			if err := fn(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}

// StartSpan is a small convenience wrapper so call sites read like the
// teacher's doltTracer.Start calls without repeating the span-kind option.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, attrs...)
}
