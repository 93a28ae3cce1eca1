// Package observability provides OpenTelemetry tracing and RED metrics for
// the chronicle service, plus the domain instruments fed by the chronicle
// store and the case tracker.
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

const instrumentationName = "chronicle"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool // plaintext gRPC (dev only)
}

// DefaultConfig returns the defaults used when telemetry is switched on
// without further tuning. Export is off until Enabled is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "chronicle",
		ServiceVersion: "0.3.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics (Rate, Errors, Duration)
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain instruments
	appendCounter    metric.Int64Counter
	intakeCounter    metric.Int64Counter
	coherenceHist    metric.Float64Histogram
	stageCounter     metric.Int64Counter
	mergedCounter    metric.Int64Counter
	malformedCounter metric.Int64Counter
}

// Option customizes a Provider.
type Option func(*Provider)

// WithMeterProvider records metrics into mp instead of an OTLP exporter.
// The provider is not installed globally and is not shut down by Shutdown.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Provider) {
		p.meter = mp.Meter(instrumentationName)
	}
}

// WithTracerProvider records spans into tp instead of an OTLP exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) {
		p.tracer = tp.Tracer(instrumentationName)
	}
}

// New creates a new observability provider. A disabled provider still
// hands out working no-op tracers and meters.
func New(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if config.Enabled {
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
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		if p.tracer == nil {
			if err := p.initTraceProvider(ctx, res); err != nil {
				return nil, fmt.Errorf("failed to init trace provider: %w", err)
			}
		}
		if p.meter == nil {
			if err := p.initMetricProvider(ctx, res); err != nil {
				return nil, fmt.Errorf("failed to init metric provider: %w", err)
			}
		}
	}

	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName,
			trace.WithInstrumentationVersion(config.ServiceVersion),
		)
	}
	if p.meter == nil {
		p.meter = otel.Meter(instrumentationName,
			metric.WithInstrumentationVersion(config.ServiceVersion),
		)
	}

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}
	if err := p.initDomainMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init domain metrics: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
			"insecure", config.Insecure,
		)
	} else {
		p.logger.DebugContext(ctx, "observability export disabled")
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(p.config.ServiceVersion),
	)
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(p.config.ServiceVersion),
	)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("chronicle.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("chronicle.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("chronicle.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("chronicle.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops the providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest records a request with the given attributes.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, attrs...)
	all = append(all, attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		p.RecordDuration(ctx, time.Since(start), attrs...)
		SetSpanStatus(ctx, err)
		if err != nil {
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}
