package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all studio metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	TasksSubmitted   metric.Int64Counter
	TasksDeduped     metric.Int64Counter
	TasksFailed      metric.Int64Counter
	EscrowOps        metric.Int64Counter
	WatchdogSwept    metric.Int64Counter
	RunGraphAttempts metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	EventsPublished  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("studio.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("studio.task.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter("studio.task.submitted",
		metric.WithDescription("Tasks accepted by submission"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeduped, err = meter.Int64Counter("studio.task.deduped",
		metric.WithDescription("Submissions answered with an existing active task"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("studio.task.failed",
		metric.WithDescription("Tasks that reached FAILED, by reason code"),
	)
	if err != nil {
		return nil, err
	}

	m.EscrowOps, err = meter.Int64Counter("studio.escrow.ops",
		metric.WithDescription("Escrow freeze, settle and rollback operations"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchdogSwept, err = meter.Int64Counter("studio.watchdog.swept",
		metric.WithDescription("Stale tasks failed by the watchdog"),
	)
	if err != nil {
		return nil, err
	}

	m.RunGraphAttempts, err = meter.Int64Counter("studio.rungraph.attempts",
		metric.WithDescription("Run-graph node attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("studio.worker.active",
		metric.WithDescription("Worker slots currently executing a job"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("studio.events.published",
		metric.WithDescription("Task events published, by persistence class"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
