// Package otelspan implements jwkscache.TraceEmitter on top of
// go.opentelemetry.io/otel, following avapigw's observability/tracing.StartSpan
// attribute-and-status idiom.
package otelspan

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Emitter is a jwkscache.TraceEmitter backed by an OpenTelemetry tracer.
// Spans are annotated with tenant and provider attributes; the end
// closure records the outcome via span status and RecordError.
type Emitter struct {
	tracer trace.Tracer
}

// New builds an Emitter using the tracer named tracerName from the global
// TracerProvider. Pass "" to use the library's own default name.
func New(tracerName string) *Emitter {
	if tracerName == "" {
		tracerName = "github.com/hack-ink/jwks-cache"
	}
	return &Emitter{tracer: otel.Tracer(tracerName)}
}

// StartSpan starts a client-kind span named name (one of jwks.resolve,
// jwks.fetch, jwks.refresh, jwks.registry.register) and
// returns a closure that ends it, recording err if non-nil.
func (e *Emitter) StartSpan(ctx context.Context, name, tenant, provider string) (context.Context, func(err error)) {
	ctx, span := e.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("provider", provider),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
