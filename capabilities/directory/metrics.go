package directory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/capdir/capabilities"
)

const meterName = "github.com/kbukum/capdir/capabilities/directory"

// Lookup sources.
const (
	sourceLocal  = "local"
	sourceCache  = "cache"
	sourceRemote = "remote"
	sourceError  = "error"
)

// metrics holds the directory's instruments.
type metrics struct {
	adds         metric.Int64Counter
	lookups      metric.Int64Counter
	tasks        metric.Int64Counter
	taskDuration metric.Float64Histogram
	queueDepth   metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	adds, err := meter.Int64Counter("capabilities.add.total",
		metric.WithDescription("Provider registrations by scope and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities.add.total counter: %w", err)
	}

	lookups, err := meter.Int64Counter("capabilities.lookup.total",
		metric.WithDescription("Lookups by discovery scope and the source that answered them"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities.lookup.total counter: %w", err)
	}

	tasks, err := meter.Int64Counter("capabilities.gcd_task.total",
		metric.WithDescription("Global directory tasks by type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities.gcd_task.total counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram("capabilities.gcd_task.duration",
		metric.WithDescription("Time from dispatch to completion of global directory tasks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities.gcd_task.duration histogram: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter("capabilities.gcd_task.queued",
		metric.WithDescription("Global directory tasks waiting in the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities.gcd_task.queued counter: %w", err)
	}

	return &metrics{
		adds:         adds,
		lookups:      lookups,
		tasks:        tasks,
		taskDuration: taskDuration,
		queueDepth:   queueDepth,
	}, nil
}

func (m *metrics) recordAdd(scope capabilities.ProviderScope, result string) {
	m.adds.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("result", result),
	))
}

func (m *metrics) recordLookup(scope capabilities.DiscoveryScope, source string) {
	m.lookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("discovery_scope", string(scope)),
		attribute.String("source", source),
	))
}

func (m *metrics) recordTask(kind taskKind, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("type", kind.String()),
		attribute.String("outcome", outcome),
	)
	m.tasks.Add(context.Background(), 1, attrs)
	m.taskDuration.Record(context.Background(), d.Seconds(), attrs)
}

func (m *metrics) queueChanged(delta int64) {
	if delta == 0 {
		return
	}
	m.queueDepth.Add(context.Background(), delta)
}
