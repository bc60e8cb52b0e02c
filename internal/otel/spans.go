package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for studio spans and metrics.
var (
	AttrTaskID    = attribute.Key("studio.task.id")
	AttrTaskType  = attribute.Key("studio.task.type")
	AttrProjectID = attribute.Key("studio.project.id")
	AttrRunID     = attribute.Key("studio.run.id")
	AttrStepKey   = attribute.Key("studio.step.key")
	AttrAttempt   = attribute.Key("studio.attempt")
	AttrPartition = attribute.Key("studio.partition")
	AttrReason    = attribute.Key("studio.reason")
	AttrEscrowOp  = attribute.Key("studio.escrow.op")
	AttrPersisted = attribute.Key("studio.event.persisted")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound provider call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
