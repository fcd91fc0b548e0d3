// Package observability wires OpenTelemetry tracing and metrics for the
// agent: spans around executor dispatch and RED-style counters for
// commands, approvals and loop failures. With no OTLP endpoint
// configured the provider is inert and every method is a no-op.
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

const scope = "dwagent"

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"; empty disables export
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns sensible defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dwagent",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers plus the agent's counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	commandsExecuted metric.Int64Counter
	commandsFailed   metric.Int64Counter
	approvals        metric.Int64Counter
	loopFailures     metric.Int64Counter
	execDuration     metric.Float64Histogram
}

// New builds a provider. An empty OTLPEndpoint yields an inert provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
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
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scope, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sampleRate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
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
		return fmt.Errorf("metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.commandsExecuted, err = p.meter.Int64Counter("dwagent.commands.executed",
		metric.WithDescription("Commands that reached EXECUTED"),
		metric.WithUnit("{command}"))
	if err != nil {
		return err
	}
	p.commandsFailed, err = p.meter.Int64Counter("dwagent.commands.failed",
		metric.WithDescription("Commands that reached FAILED"),
		metric.WithUnit("{command}"))
	if err != nil {
		return err
	}
	p.approvals, err = p.meter.Int64Counter("dwagent.approvals.total",
		metric.WithDescription("Signer decisions recorded"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.loopFailures, err = p.meter.Int64Counter("dwagent.loop.failures",
		metric.WithDescription("Tick loop iterations that returned an error"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return err
	}
	p.execDuration, err = p.meter.Float64Histogram("dwagent.execute.duration",
		metric.WithDescription("Executor dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// CommandExecuted bumps the executed counter for one command kind.
func (p *Provider) CommandExecuted(ctx context.Context, kind string) {
	if p.commandsExecuted != nil {
		p.commandsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// CommandFailed bumps the failed counter for one command kind.
func (p *Provider) CommandFailed(ctx context.Context, kind string) {
	if p.commandsFailed != nil {
		p.commandsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// ApprovalRecorded counts one signer decision.
func (p *Provider) ApprovalRecorded(ctx context.Context, decision string) {
	if p.approvals != nil {
		p.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	}
}

// LoopFailure counts a failed iteration of a named loop.
func (p *Provider) LoopFailure(ctx context.Context, loop string) {
	if p.loopFailures != nil {
		p.loopFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("loop", loop)))
	}
}

// TrackExecution opens a span around one executor dispatch and returns
// the completion callback that records the outcome.
func (p *Provider) TrackExecution(ctx context.Context, docID, cmdID, kind string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("doc.id", docID),
			attribute.String("cmd.id", cmdID),
			attribute.String("cmd.kind", kind),
		),
	)
	return ctx, func(err error) {
		if p.execDuration != nil {
			p.execDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("kind", kind)))
		}
		if err != nil {
			span.RecordError(err)
			p.CommandFailed(ctx, kind)
		} else {
			p.CommandExecuted(ctx, kind)
		}
		span.End()
	}
}
