package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stateflow/pkg/schema"
)

const tracerName = "github.com/rendis/stateflow/internal/engine"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startDriverSpan opens the span covering one driver run of an execution
// (start to pause or completion; a resume opens a new one).
func startDriverSpan(ctx context.Context, tracer trace.Tracer, executionID, workflowName, startAt string, resumed bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "stateflow.execution",
		trace.WithAttributes(
			attribute.String("stateflow.execution_id", executionID),
			attribute.String("stateflow.workflow", workflowName),
			attribute.String("stateflow.start_at", startAt),
			attribute.Bool("stateflow.resumed", resumed),
		))
}

// startStateSpan opens the span covering one state visit.
func startStateSpan(ctx context.Context, tracer trace.Tracer, n *node, branch *int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("stateflow.state", n.name),
		attribute.String("stateflow.state_type", string(n.Type)),
	}
	if branch != nil {
		attrs = append(attrs, attribute.Int("stateflow.branch", *branch))
	}
	return tracer.Start(ctx, "stateflow.state "+n.name, trace.WithAttributes(attrs...))
}

// endSpan records err on the span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeInvocation)
		span.SetAttributes(
			attribute.String("stateflow.error_code", fe.Code),
			attribute.String("stateflow.error_kind", fe.ErrorKind()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, fe.Message)
	}
	span.End()
}
