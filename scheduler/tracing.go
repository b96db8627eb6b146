package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies the scheduler's spans in whatever trace backend the
// configured otel SDK exports to.
const tracerName = "github.com/c360studio/taskgraphsched/scheduler"

var tracer = otel.Tracer(tracerName)

// startHandlerSpan opens a span for one progression-engine handler
// invocation, tagging it with the graph/task identity so a single event's
// trip through Modify's CAS retries shows up as one span in the backend
// rather than one per attempt.
func startHandlerSpan(ctx context.Context, handler, graphID, taskID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scheduler."+handler,
		trace.WithAttributes(
			attribute.String("taskgraph.id", graphID),
			attribute.String("taskgraph.task_id", taskID),
		),
	)
}
