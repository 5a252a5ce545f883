package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("expected default endpoint, got %s", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
	if cfg.MetricInterval != 15*time.Second {
		t.Errorf("expected interval 15s, got %v", cfg.MetricInterval)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled without endpoint", Config{}, false},
		{"enabled", Config{Enabled: true, Endpoint: "otel:4318", SampleRate: 0.5}, false},
		{"enabled without endpoint", Config{Enabled: true}, true},
		{"sample rate above one", Config{SampleRate: 2}, true},
		{"negative interval", Config{MetricInterval: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceResource(t *testing.T) {
	res, err := serviceResource("capdir", "1.2.3", "prod")
	if err != nil {
		t.Fatalf("serviceResource: %v", err)
	}
	want := map[string]string{"service.name": "capdir", "service.version": "1.2.3", "environment": "prod"}
	for _, kv := range res.Attributes() {
		if v, ok := want[string(kv.Key)]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes %v", want)
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, "capdir", "dev", "test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestNewHTTPMetrics(t *testing.T) {
	m, err := NewHTTPMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewHTTPMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRequestStart(ctx)
	m.RecordRequestEnd(ctx, "GET", "/v1/lookup", 200, 10*time.Millisecond)
}

func TestSetSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "lookup")
	SetSpanError(ctx, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if events := spans[0].Events(); len(events) != 1 || events[0].Name != "exception" {
		t.Errorf("expected exception event, got %+v", events)
	}
	if st := spans[0].Status(); st.Code != codes.Error || st.Description != "boom" {
		t.Errorf("unexpected status %+v", st)
	}

	// no span in context
	SetSpanError(context.Background(), errors.New("ignored"))
}
