package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/holoforge/scenecast/internal/errs"
)

// Span names emitted across the pipeline, kept here so every component
// agrees on them.
const (
	SpanSceneGenerate    = "scene.generate"
	SpanScenePersist     = "scene.persist"
	SpanBroadcastDeliver = "broadcast.deliver"
)

// TracingConfig controls whether and where spans are exported.
type TracingConfig struct {
	Enabled     bool
	OTLPEndpoint string
	ServiceName string
}

// Tracing owns the TracerProvider lifecycle and propagator used to carry
// trace context through the bus envelope's traceparent field.
type Tracing struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracing bootstraps an OTLP/HTTP exporter and a batching span
// processor. When cfg.Enabled is false it installs a no-op provider so
// call sites never need to branch on whether tracing is on.
func NewTracing(ctx context.Context, cfg TracingConfig) (*Tracing, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)

	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracing{
			provider:   provider,
			tracer:     provider.Tracer(cfg.ServiceName),
			propagator: propagator,
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "telemetry: create otlp exporter")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "telemetry: build resource")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	return &Tracing{
		provider:   provider,
		tracer:     provider.Tracer(cfg.ServiceName),
		propagator: propagator,
	}, nil
}

// StartSpan begins a span with the given name, attaching scoped
// attributes (tenantID, jobID and similar) from the caller.
func (t *Tracing) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Inject encodes the active span context into the given carrier, used to
// populate the bus envelope's traceparent field before publish.
func (t *Tracing) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(ctx, carrier)
}

// Extract restores a span context from a carrier, used by consumers to
// continue the producer's trace across the bus boundary.
func (t *Tracing) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return t.propagator.Extract(ctx, carrier)
}

// Shutdown flushes any buffered spans. Called during supervisor teardown.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
