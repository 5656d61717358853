package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const workerTracerName = "acprunner-worker"

func workerTracer() trace.Tracer {
	return Tracer(workerTracerName)
}

// TraceWorkerRun creates the root span for one worker session.
func TraceWorkerRun(ctx context.Context, workerID, taskID, model string) (context.Context, trace.Span) {
	ctx, span := workerTracer().Start(ctx, "worker.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("task_id", taskID),
		attribute.String("model", model),
	)
	return ctx, span
}

// TraceWorkerPhase creates a child span for spawn, initialize, session/new
// or prompt.
func TraceWorkerPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return workerTracer().Start(ctx, "worker."+phase,
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// TraceWorkerStatus records a status transition as a span event.
func TraceWorkerStatus(span trace.Span, status string) {
	span.AddEvent("status", trace.WithAttributes(attribute.String("status", status)))
}

// TraceWorkerResult records the outcome of a session on its span.
func TraceWorkerResult(span trace.Span, status, failure string, toolCalls int, err error) {
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("tool_calls", toolCalls),
	)
	if failure != "" {
		span.SetAttributes(attribute.String("failure", failure))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EndPhase records err, if any, and ends a phase span.
func EndPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
