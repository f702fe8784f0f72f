// Package trace provides distributed tracing for the trainer using
// OpenTelemetry. Spans cover the units of work a run is made of:
// micro-batch steps, optimizer updates, evaluation passes, checkpoint
// saves and uploads.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Tracer Interface
// ============================================================================

// Tracer defines the tracing interface
type Tracer interface {
	// Start begins a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// Shutdown flushes and stops the tracer
	Shutdown(ctx context.Context) error
}

// TracerConfig defines tracer configuration
type TracerConfig struct {
	// Service name reported on every span
	ServiceName string

	// Service version
	ServiceVersion string

	// Deployment environment (local, cluster)
	Environment string

	// Sampling rate (0.0 to 1.0)
	SamplingRate float64

	// Enabled toggles tracing entirely
	Enabled bool
}

// ============================================================================
// OTel Tracer Implementation
// ============================================================================

// OTelTracer wraps an OpenTelemetry tracer provider
type OTelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer creates a tracer from configuration. When tracing is disabled
// the returned tracer records nothing.
func NewTracer(cfg TracerConfig) (Tracer, error) {
	if !cfg.Enabled {
		return NewNoopTracer(), nil
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(provider)

	return &OTelTracer{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
	}, nil
}

// Start begins a new span
func (t *OTelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown flushes and stops the tracer
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ============================================================================
// Span Helpers
// ============================================================================

// RecordError records an error on a span and marks it failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetStep annotates a span with training step attributes
func SetStep(span trace.Span, globalStep int, epoch int) {
	span.SetAttributes(
		attribute.Int("train.global_step", globalStep),
		attribute.Int("train.epoch", epoch),
	)
}

// ============================================================================
// No-op Tracer
// ============================================================================

// NoopTracer records nothing
type NoopTracer struct {
	tracer trace.Tracer
}

// NewNoopTracer creates a no-op tracer
func NewNoopTracer() Tracer {
	return &NoopTracer{tracer: trace.NewNoopTracerProvider().Tracer("noop")}
}

// Start begins a span that records nothing
func (t *NoopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown is a no-op
func (t *NoopTracer) Shutdown(ctx context.Context) error {
	return nil
}
