// Package telemetry wires OpenTelemetry tracing and metrics for the
// gateway. When enabled, NewProviders exports traces and metrics to
// stdout; when disabled it installs no-op providers. No OTLP exporter is
// wired and no OTEL_* environment variable is read.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config selects the service identity attached to every span and metric,
// and whether tracing/metrics run at all.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

// Providers bundles the constructed tracer and meter providers with the
// shutdown function that flushes and closes their exporters.
type Providers struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Shutdown       func(context.Context) error
}

// NewProviders builds stdout-exporting tracer and meter providers, or
// no-op providers when cfg.Enabled is false.
func NewProviders(cfg Config) (Providers, error) {
	if !cfg.Enabled {
		return Providers{
			TracerProvider: nooptrace.NewTracerProvider(),
			MeterProvider:  noopmetric.NewMeterProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return Providers{}, fmt.Errorf("build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return Providers{}, fmt.Errorf("build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown tracer provider: %w", err)
			}
			if err := mp.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown meter provider: %w", err)
			}
			return nil
		},
	}, nil
}
