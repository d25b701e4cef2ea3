// Package tracing exports request traces over OTLP/gRPC. A disabled
// Tracer is inert; the rest of the gateway calls it unconditionally.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/apron/internal/config"
)

// Tracer owns the OTLP trace pipeline and starts the server span for
// each request.
type Tracer struct {
	enabled    bool
	endpoint   string
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a Tracer. With tracing disabled it returns an inert one
// and touches no global state.
func New(cfg config.TracingConfig) (*Tracer, error) {
	t := &Tracer{
		enabled:  cfg.Enabled,
		endpoint: cfg.Endpoint,
	}
	if !cfg.Enabled {
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "apron"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure(),
		)
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("apron")

	return t, nil
}

// Enabled reports whether spans are being produced.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// StartRequest opens the server span for a matched route, continuing
// any trace carried in the request headers. It names the span by the
// route pattern to keep cardinality down, writes X-Trace-ID on the
// response, and returns the request bound to the span's context. With
// tracing disabled the request comes back untouched and the span is a
// no-op.
func (t *Tracer) StartRequest(w http.ResponseWriter, r *http.Request, route, service string) (*http.Request, trace.Span) {
	if !t.enabled {
		return r, trace.SpanFromContext(r.Context())
	}

	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := t.tracer.Start(ctx, r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.ServerAddress(r.Host),
			semconv.UserAgentOriginal(r.UserAgent()),
			attribute.String("route", route),
			attribute.String("service", service),
		),
	)

	if span.SpanContext().HasTraceID() {
		w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
	}

	return r.WithContext(ctx), span
}

// Finish stamps the response outcome on the span. A version tag is
// added when the request was pinned to one.
func Finish(span trace.Span, status int, version string) {
	if version != "" {
		span.SetAttributes(attribute.String("version", version))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// StartSpan opens a child span under whatever span ctx carries.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// Inject writes the current trace context into outgoing headers. With
// no tracer configured the global propagator is a no-op and any
// traceparent already copied from the inbound request stays as-is.
func Inject(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Close flushes and shuts down the export pipeline.
func (t *Tracer) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}

// Status is the admin view of the tracer.
type Status struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

// GetStatus reports the tracer configuration in effect.
func (t *Tracer) GetStatus() Status {
	return Status{Enabled: t.enabled, Endpoint: t.endpoint}
}
