package operations

import (
	"context"
	"fmt"
	"time"

	"fauxnetd/internal/infrastructure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "fauxnetd.operations"
)

// OperationTracer provides OpenTelemetry instrumentation for operation runs.
// A nil *OperationTracer is valid and records nothing.
type OperationTracer struct {
	tracer          trace.Tracer
	businessMetrics *infrastructure.BusinessMetrics
}

// NewOperationTracer creates a tracer; metrics may be nil
func NewOperationTracer(metrics *infrastructure.BusinessMetrics) *OperationTracer {
	return &OperationTracer{
		tracer:          otel.Tracer(TracerName),
		businessMetrics: metrics,
	}
}

// TraceRun creates a span for an entire operation run
func (ot *OperationTracer) TraceRun(ctx context.Context, operationID string, kind Kind, phases []int) (context.Context, trace.Span) {
	if ot == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := ot.tracer.Start(ctx, fmt.Sprintf("operation.run.%s", kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("operation.id", operationID),
			attribute.String("operation.kind", string(kind)),
			attribute.IntSlice("operation.phases", phases),
		),
	)

	if m := ot.businessMetrics; m != nil {
		attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
		m.OperationExecutionsTotal.Add(ctx, 1, attrs)
		m.OperationActiveOperations.Add(ctx, 1, attrs)
	}
	return ctx, span
}

// TracePhase creates a span for one phase
func (ot *OperationTracer) TracePhase(ctx context.Context, operationID string, kind Kind, phase PhaseDefinition) (context.Context, trace.Span) {
	if ot == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return ot.tracer.Start(ctx, fmt.Sprintf("operation.phase.%d", phase.Number),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("operation.id", operationID),
			attribute.String("operation.kind", string(kind)),
			attribute.Int("phase.number", phase.Number),
			attribute.String("phase.name", phase.Name),
		),
	)
}

// EndPhase records the phase outcome and ends its span
func (ot *OperationTracer) EndPhase(ctx context.Context, span trace.Span, kind Kind, phase PhaseDefinition, duration time.Duration, err error) {
	if ot == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "phase completed")
	}
	span.SetAttributes(attribute.Float64("phase.duration_seconds", duration.Seconds()))
	span.End()

	if m := ot.businessMetrics; m != nil {
		attrs := metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.Int("phase", phase.Number),
			attribute.String("status", status),
		)
		m.PhaseExecutionsTotal.Add(ctx, 1, attrs)
		m.PhaseExecutionDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// EndRun records the run outcome and ends its span
func (ot *OperationTracer) EndRun(ctx context.Context, span trace.Span, kind Kind, duration time.Duration, status Status, err error) {
	if ot == nil {
		return
	}
	span.SetAttributes(
		attribute.String("operation.status", string(status)),
		attribute.Float64("operation.duration_seconds", duration.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "operation completed")
	}
	span.End()

	if m := ot.businessMetrics; m != nil {
		kindAttr := attribute.String("kind", string(kind))
		m.OperationExecutionDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(kindAttr, attribute.String("status", string(status))))
		m.OperationActiveOperations.Add(ctx, -1, metric.WithAttributes(kindAttr))
		if err != nil {
			m.OperationErrors.Add(ctx, 1, metric.WithAttributes(kindAttr,
				attribute.String("error.type", string(GetErrorType(err)))))
		}
	}
}
