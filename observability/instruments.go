package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Span attribute keys.
const (
	AttrParticipantID  = "capabilities.participant_id"
	AttrDomains        = "capabilities.domains"
	AttrInterfaceName  = "capabilities.interface"
	AttrDiscoveryScope = "capabilities.discovery_scope"
	AttrGbids          = "capabilities.gbids"
	AttrDiscoveryError = "capabilities.discovery_error"
)

// Meter returns a meter of the global provider.
func Meter(name string) metric.Meter { return otel.Meter(name) }

// Tracer returns a tracer of the global provider.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// SetSpanError records err on the span in ctx and marks it failed.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// HTTPMetrics are the admin API request instruments.
type HTTPMetrics struct {
	total    metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	var m HTTPMetrics
	var err, e error
	m.total, e = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("Admin API requests by method, route and status"))
	err = multierr.Append(err, e)
	m.duration, e = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("Admin API request duration"), metric.WithUnit("s"))
	err = multierr.Append(err, e)
	m.active, e = meter.Int64UpDownCounter("http.server.request.active",
		metric.WithDescription("Admin API requests in flight"))
	err = multierr.Append(err, e)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRequestStart counts a request in flight.
func (m *HTTPMetrics) RecordRequestStart(ctx context.Context) {
	m.active.Add(ctx, 1)
}

// RecordRequestEnd completes a request started with RecordRequestStart.
func (m *HTTPMetrics) RecordRequestEnd(ctx context.Context, method, route string, status int, took time.Duration) {
	m.active.Add(ctx, -1)
	attrs := attribute.NewSet(attribute.String("method", method), attribute.String("path", route))
	m.total.Add(ctx, 1, metric.WithAttributeSet(attrs), metric.WithAttributes(attribute.Int("status", status)))
	m.duration.Record(ctx, took.Seconds(), metric.WithAttributeSet(attrs))
}
