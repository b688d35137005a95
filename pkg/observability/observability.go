// Package observability provides the OpenTelemetry providers for the
// control plane: OTLP trace export and RED metrics (rate, errors, duration)
// over case runs.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aerogate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers plus the case-run metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	caseRuns     metric.Int64Counter
	caseErrors   metric.Int64Counter
	caseDuration metric.Float64Histogram
	activeCases  metric.Int64UpDownCounter
	pdl          metric.Float64Histogram
}

// New builds the provider; with Enabled false it returns a no-op provider
// whose tracer and meter still work through the otel globals.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger}

	if !config.Enabled {
		p.tracer = otel.Tracer(config.ServiceName)
		p.meter = otel.Meter(config.ServiceName)
		return p, p.instruments()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(config.ServiceName)
	p.meter = p.meterProvider.Meter(config.ServiceName)
	return p, p.instruments()
}

func (p *Provider) instruments() error {
	var err error
	if p.caseRuns, err = p.meter.Int64Counter("aerogate.case.runs",
		metric.WithDescription("Case runs started")); err != nil {
		return err
	}
	if p.caseErrors, err = p.meter.Int64Counter("aerogate.case.errors",
		metric.WithDescription("Case runs that failed")); err != nil {
		return err
	}
	if p.caseDuration, err = p.meter.Float64Histogram("aerogate.case.duration",
		metric.WithDescription("Case run duration"), metric.WithUnit("s")); err != nil {
		return err
	}
	if p.activeCases, err = p.meter.Int64UpDownCounter("aerogate.case.active",
		metric.WithDescription("Cases currently running")); err != nil {
		return err
	}
	if p.pdl, err = p.meter.Float64Histogram("aerogate.case.pdl",
		metric.WithDescription("Posture decision latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordRun instruments one case run.
func (p *Provider) RecordRun(ctx context.Context, scope string, duration time.Duration, pdlMillis int64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("scope", scope))
	p.caseRuns.Add(ctx, 1, attrs)
	p.caseDuration.Record(ctx, duration.Seconds(), attrs)
	if pdlMillis > 0 {
		p.pdl.Record(ctx, float64(pdlMillis), attrs)
	}
	if failed {
		p.caseErrors.Add(ctx, 1, attrs)
	}
}

// CaseStarted and CaseFinished bracket active-case accounting.
func (p *Provider) CaseStarted(ctx context.Context)  { p.activeCases.Add(ctx, 1) }
func (p *Provider) CaseFinished(ctx context.Context) { p.activeCases.Add(ctx, -1) }

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
