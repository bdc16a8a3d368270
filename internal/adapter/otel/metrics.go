package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fabrica"

// Metrics holds the engine metric instruments. All methods are safe on
// a nil receiver, so callers need no telemetry guard.
type Metrics struct {
	tasksStarted    metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksRetried    metric.Int64Counter
	securityDenials metric.Int64Counter
	sandboxTimeouts metric.Int64Counter
	iterations      metric.Int64Counter
	taskDuration    metric.Float64Histogram
	modelTokens     metric.Int64Histogram
	modelCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksStarted, err = meter.Int64Counter("fabrica.tasks.started",
		metric.WithDescription("Task dispatch attempts"))
	if err != nil {
		return nil, err
	}

	m.tasksCompleted, err = meter.Int64Counter("fabrica.tasks.completed",
		metric.WithDescription("Tasks completed successfully"))
	if err != nil {
		return nil, err
	}

	m.tasksFailed, err = meter.Int64Counter("fabrica.tasks.failed",
		metric.WithDescription("Tasks that exhausted their retry budget"))
	if err != nil {
		return nil, err
	}

	m.tasksRetried, err = meter.Int64Counter("fabrica.tasks.retried",
		metric.WithDescription("Tasks requeued after a failed attempt"))
	if err != nil {
		return nil, err
	}

	m.securityDenials, err = meter.Int64Counter("fabrica.security.denials",
		metric.WithDescription("Commands denied by the security pipeline"))
	if err != nil {
		return nil, err
	}

	m.sandboxTimeouts, err = meter.Int64Counter("fabrica.sandbox.timeouts",
		metric.WithDescription("Sandbox executions killed at the deadline"))
	if err != nil {
		return nil, err
	}

	m.iterations, err = meter.Int64Counter("fabrica.engine.iterations",
		metric.WithDescription("Engine loop iterations consumed"))
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram("fabrica.task.duration_seconds",
		metric.WithDescription("Task dispatch duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.modelTokens, err = meter.Int64Histogram("fabrica.model.tokens",
		metric.WithDescription("Model tokens consumed per run"))
	if err != nil {
		return nil, err
	}

	m.modelCost, err = meter.Float64Histogram("fabrica.model.cost_usd",
		metric.WithDescription("Model cost per run in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted records one dispatch attempt.
func (m *Metrics) TaskStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task.kind", kind)))
}

// TaskCompleted records a successful task.
func (m *Metrics) TaskCompleted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("task.kind", kind)))
}

// TaskFailed records a terminally failed task with its last outcome.
func (m *Metrics) TaskFailed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("task.outcome", outcome)))
}

// TaskRetried records one retry requeue.
func (m *Metrics) TaskRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksRetried.Add(ctx, 1)
}

// SecurityDenied records a denied command.
func (m *Metrics) SecurityDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.securityDenials.Add(ctx, 1)
}

// SandboxTimeout records an execution killed at the deadline.
func (m *Metrics) SandboxTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.sandboxTimeouts.Add(ctx, 1)
}

// Iteration records one engine loop iteration.
func (m *Metrics) Iteration(ctx context.Context) {
	if m == nil {
		return
	}
	m.iterations.Add(ctx, 1)
}

// TaskDuration records how long a dispatch took.
func (m *Metrics) TaskDuration(ctx context.Context, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("task.kind", kind)))
}

// ModelUsage records the token and cost totals of one engine run.
func (m *Metrics) ModelUsage(ctx context.Context, promptTokens, completionTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.modelTokens.Record(ctx, promptTokens,
		metric.WithAttributes(attribute.String("token.type", "prompt")))
	m.modelTokens.Record(ctx, completionTokens,
		metric.WithAttributes(attribute.String("token.type", "completion")))
	m.modelCost.Record(ctx, costUSD)
}
