// Package observability provides OpenTelemetry tracing and metrics for the
// execution pipeline.
//
// Telemetry is disabled by default. A disabled Provider still hands out
// working (no-op) tracers and meters so callers never branch on it.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "nexus.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "nexus",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the SDK providers (when enabled) and the pipeline instruments.
type Provider struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	// shutdown funcs of SDK providers created by New
	stops []func(context.Context) error

	outcomes      metric.Int64Counter
	ledgerAppends metric.Int64Counter
	duration      metric.Float64Histogram
}

// New creates a provider. When config.Enabled is false no exporter is started
// and the global (no-op unless configured elsewhere) providers are used.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, p.initInstruments()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		return nil, err
	}
	p.stops = append(p.stops, tp.Shutdown)

	mp, err := newMeterProvider(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	p.stops = append(p.stops, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders wires caller-owned providers, e.g. an SDK meter provider
// with a manual reader in tests.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	return p, p.initInstruments()
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	// TraceIDRatioBased samples everything at >= 1 and nothing at <= 0.
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

func (p *Provider) initInstruments() error {
	var err error
	meter := p.Meter()

	p.outcomes, err = meter.Int64Counter("nexus.outcomes.total",
		metric.WithDescription("Executions by outcome status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}

	p.ledgerAppends, err = meter.Int64Counter("nexus.ledger.appends.total",
		metric.WithDescription("Entries appended to the audit ledger"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = meter.Float64Histogram("nexus.execute.duration",
		metric.WithDescription("Execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	return err
}

// Shutdown flushes and stops the SDK providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range p.stops {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.stops = nil
	return errors.Join(errs...)
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackExecution starts the nexus.execute span. The returned function ends
// it and records the outcome status, duration and any error.
func (p *Provider) TrackExecution(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(status string, err error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "nexus.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(status string, err error) {
		statusAttr := attribute.String("status", status)
		span.SetAttributes(statusAttr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.outcomes.Add(ctx, 1, metric.WithAttributes(statusAttr))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(statusAttr))
		span.End()
	}
}

// Event adds a named stage event to the span in ctx.
func (p *Provider) Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordAppend counts one ledger append.
func (p *Provider) RecordAppend(ctx context.Context) {
	p.ledgerAppends.Add(ctx, 1)
}
