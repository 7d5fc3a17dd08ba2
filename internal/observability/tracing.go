package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides distributed tracing via OpenTelemetry. Spans cover
// request orchestration, inference attempts, and store calls.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: "localhost:4317"})
//	defer shutdown(ctx)
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig controls where spans are exported and how many are sampled.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion identifies the service version.
	ServiceVersion string

	// Environment specifies the deployment environment.
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	// If empty, tracing is disabled and all span operations are no-ops.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0-1.0).
	// Defaults to 1.0.
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection.
	EnableInsecure bool
}

// NewTracer creates a tracer and a shutdown function that must be called
// on exit. An empty endpoint, or an exporter that fails to construct,
// yields a no-op tracer whose shutdown does nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "threadline"
	}
	if config.Endpoint == "" {
		return noopTracer(config)
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	exporter, err := newOTLPExporter(config)
	if err != nil {
		return noopTracer(config)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(newSampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	return t, provider.Shutdown
}

func noopTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	t := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	return t, func(context.Context) error { return nil }
}

func newOTLPExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func newResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (t *Tracer) span(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// TraceAgentRequest opens the root span for one orchestrated agent request.
func (t *Tracer) TraceAgentRequest(ctx context.Context, userID, conversationID string) (context.Context, trace.Span) {
	return t.span(ctx, "agent.request", trace.SpanKindServer,
		attribute.String("user_id", userID),
		attribute.String("conversation_id", conversationID),
	)
}

// TraceLLMRequest opens a span for one LLM inference attempt.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.span(ctx, "llm."+provider, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// TraceStoreQuery opens a span for a conversation store operation.
func (t *Tracer) TraceStoreQuery(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.span(ctx, "store."+operation, trace.SpanKindClient,
		attribute.String("db.operation", operation),
	)
}

// RecordError records an error on the span and marks the span status.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// FlushAsync forces any buffered spans out in a background goroutine. The
// response teardown never waits on it; failures are logged and swallowed.
func (t *Tracer) FlushAsync(logger *Logger) {
	if t.provider == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.provider.ForceFlush(ctx); err != nil && logger != nil {
			logger.Warn(ctx, "trace flush failed", "error", err)
		}
	}()
}

// GetTraceID returns the active trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
