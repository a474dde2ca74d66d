package otelspan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestEmitter() (*Emitter, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &Emitter{tracer: tp.Tracer("test")}, exporter
}

func TestStartSpan_RecordsSuccessStatus(t *testing.T) {
	t.Parallel()

	e, exporter := newTestEmitter()
	ctx, end := e.StartSpan(context.Background(), "jwks.fetch", "tenant-1", "provider-1")
	require.NotNil(t, ctx)
	end(nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "jwks.fetch", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind)
}

func TestStartSpan_RecordsErrorStatus(t *testing.T) {
	t.Parallel()

	e, exporter := newTestEmitter()
	_, end := e.StartSpan(context.Background(), "jwks.refresh", "tenant-1", "provider-1")
	end(errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
}

func TestStartSpan_CarriesTenantAndProviderAttributes(t *testing.T) {
	t.Parallel()

	e, exporter := newTestEmitter()
	_, end := e.StartSpan(context.Background(), "jwks.resolve", "tenant-9", "provider-9")
	end(nil)

	attrs := exporter.GetSpans()[0].Attributes
	var sawTenant, sawProvider bool
	for _, a := range attrs {
		if string(a.Key) == "tenant" && a.Value.AsString() == "tenant-9" {
			sawTenant = true
		}
		if string(a.Key) == "provider" && a.Value.AsString() == "provider-9" {
			sawProvider = true
		}
	}
	assert.True(t, sawTenant)
	assert.True(t, sawProvider)
}

func TestNew_DefaultsTracerName(t *testing.T) {
	t.Parallel()

	e := New("")
	assert.NotNil(t, e.tracer)
}
