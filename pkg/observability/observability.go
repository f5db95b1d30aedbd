// Package observability wires OpenTelemetry tracing and metrics for the
// agent. Each control evaluation becomes a span; counters and a duration
// histogram track evaluation rate, failures, and latency.
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

const instrumentationName = "meridian.agent"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "otel-collector:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults for the local compose stack. Telemetry is
// off unless OTEL_EXPORTER_OTLP_ENDPOINT points somewhere.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "meridian-agent",
		ServiceVersion: "2.0.0",
		Environment:    "production",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider holds the trace and metric providers plus the agent's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	controlsEvaluated metric.Int64Counter
	controlFailures   metric.Int64Counter
	ticketsCreated    metric.Int64Counter
	evalDuration      metric.Float64Histogram
}

// New builds the provider. With Enabled false it returns a no-op provider
// whose Tracer still yields valid (non-recording) spans.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.controlsEvaluated, err = p.meter.Int64Counter("meridian.controls.evaluated",
		metric.WithDescription("Control evaluations completed"),
		metric.WithUnit("{evaluation}"))
	if err != nil {
		return err
	}

	p.controlFailures, err = p.meter.Int64Counter("meridian.controls.failed",
		metric.WithDescription("Control evaluations that failed or errored"),
		metric.WithUnit("{evaluation}"))
	if err != nil {
		return err
	}

	p.ticketsCreated, err = p.meter.Int64Counter("meridian.tickets.created",
		metric.WithDescription("Remediation tickets opened"),
		metric.WithUnit("{ticket}"))
	if err != nil {
		return err
	}

	p.evalDuration, err = p.meter.Float64Histogram("meridian.control.duration",
		metric.WithDescription("Control evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0))
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "err", err)
		}
	}
	return nil
}

// Tracer returns the agent tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartEvaluation opens a span for one control evaluation and returns a
// completion callback that records duration, outcome, and failure counts.
func (p *Provider) StartEvaluation(ctx context.Context, controlID string) (context.Context, func(status string)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("control.id", controlID)}

	ctx, span := p.Tracer().Start(ctx, "control.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	return ctx, func(status string) {
		statusAttrs := append(attrs, attribute.String("control.status", status))
		if p.controlsEvaluated != nil {
			p.controlsEvaluated.Add(ctx, 1, metric.WithAttributes(statusAttrs...))
		}
		if p.controlFailures != nil && status != "pass" {
			p.controlFailures.Add(ctx, 1, metric.WithAttributes(statusAttrs...))
		}
		if p.evalDuration != nil {
			p.evalDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		span.SetAttributes(attribute.String("control.status", status))
		span.End()
	}
}

// RecordTicket counts a newly opened remediation ticket.
func (p *Provider) RecordTicket(ctx context.Context, controlID string) {
	if p.ticketsCreated != nil {
		p.ticketsCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("control.id", controlID)))
	}
}
