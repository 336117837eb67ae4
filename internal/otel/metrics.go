package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the dispatch engine.
type Metrics struct {
	DispatchOutcomes  metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	InFlight          metric.Int64UpDownCounter
	OrphansDetected   metric.Int64Counter
	OrphansResolved   metric.Int64Counter
	RequestDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchOutcomes, err = meter.Int64Counter("taskrelay.dispatch.outcomes",
		metric.WithDescription("Dispatch attempts by outcome reason"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("taskrelay.execution.duration",
		metric.WithDescription("Headless agent execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter("taskrelay.execution.in_flight",
		metric.WithDescription("Executions currently owned by the worker pool"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphansDetected, err = meter.Int64Counter("taskrelay.orphans.detected",
		metric.WithDescription("Orphaned agent responses reported by recovery scans"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphansResolved, err = meter.Int64Counter("taskrelay.orphans.resolved",
		metric.WithDescription("Orphaned agent responses resolved by an operator"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("taskrelay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordDispatch counts one dispatch attempt. A nil receiver is a no-op so
// components can run without metrics in tests.
func (m *Metrics) RecordDispatch(ctx context.Context, agent, reason string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.Add(ctx, 1, metric.WithAttributes(
		AttrAgent.String(agent),
		AttrReason.String(reason),
	))
}

func (m *Metrics) RecordExecution(ctx context.Context, agent, resolution string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrAgent.String(agent),
		attribute.String("resolution", resolution),
	))
}

func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.InFlight.Add(ctx, delta)
}

func (m *Metrics) RecordOrphans(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansDetected.Add(ctx, int64(n))
}

func (m *Metrics) RecordOrphanResolved(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.OrphansResolved.Add(ctx, 1, metric.WithAttributes(AttrOrphanAction.String(action)))
}

// RecordRequest records one gateway request under its route pattern.
func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrHTTPRoute.String(route),
		attribute.Int("status", status),
	))
}
