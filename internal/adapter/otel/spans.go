package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fabrica"

// StartProjectSpan starts a span covering one engine run of a project.
func StartProjectSpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "project.run",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
		),
	)
}

// StartPlanningSpan starts a span for decomposing a goal into tasks.
func StartPlanningSpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "project.plan",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
		),
	)
}

// StartTaskSpan starts a span for a single dispatch attempt of a task.
func StartTaskSpan(ctx context.Context, taskID, projectID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("project.id", projectID),
			attribute.String("task.kind", kind),
		),
	)
}
