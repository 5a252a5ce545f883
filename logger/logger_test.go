package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func jsonLogger(buf *bytes.Buffer, level string) *Logger {
	return New(Config{Level: level, Format: FormatJSON}, buf)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	return line
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf, "debug").WithComponent("capabilities.directory").
		Info("provider registered", Fields(FieldParticipantID, "p1", FieldGBIDs, []string{"a", "b"}))

	line := decodeLine(t, &buf)
	if line[FieldComponent] != "capabilities.directory" {
		t.Errorf("component = %v", line[FieldComponent])
	}
	if line[FieldParticipantID] != "p1" {
		t.Errorf("participant_id = %v", line[FieldParticipantID])
	}
	if line["message"] != "provider registered" || line["level"] != "info" {
		t.Errorf("unexpected line %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("expected timestamp")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, "warn")
	l.Debug("dropped")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected debug and info to be filtered, got %q", buf.String())
	}
	l.Warn("kept", MergeWithError(nil, errors.New("boom")))
	line := decodeLine(t, &buf)
	if line["message"] != "kept" || line[FieldError] != "boom" {
		t.Errorf("unexpected line %v", line)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(ContextWithRequestID(context.Background(), "req-1"), sc)

	jsonLogger(&buf, "info").WithContext(ctx).Info("handled")
	line := decodeLine(t, &buf)
	if line[FieldRequestID] != "req-1" {
		t.Errorf("request_id = %v", line[FieldRequestID])
	}
	if line[FieldTraceID] != sc.TraceID().String() || line[FieldSpanID] != sc.SpanID().String() {
		t.Errorf("trace ids missing in %v", line)
	}

	buf.Reset()
	jsonLogger(&buf, "info").WithContext(context.Background()).Info("plain")
	if strings.Contains(buf.String(), FieldTraceID) || strings.Contains(buf.String(), FieldRequestID) {
		t.Errorf("unexpected ids in %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: FormatConsole, NoColor: true}, &buf).WithComponent("routing").
		Info("purged", Fields("count", 2))
	out := buf.String()
	for _, want := range []string{"INF", "routing", "purged", "count=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("console line %q lacks %q", out, want)
		}
	}
	if strings.Contains(out, "component=") {
		t.Errorf("component should be printed as a part: %q", out)
	}
}

func TestConsoleFormatFieldValues(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   string
	}{
		{"bool", Fields("unregister_all", true), "unregister_all=true"},
		{"slice", Fields("gbids", []string{"gbid1", "gbid2"}), `gbids=["gbid1","gbid2"]`},
		{"map", Fields("qos", map[string]int{"priority": 3}), `qos={"priority":3}`},
		{"string", Fields("participant", "p1"), "participant=p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(Config{Format: FormatConsole, NoColor: true}, &buf).Info("x", tt.fields)
			if out := buf.String(); !strings.Contains(out, tt.want) {
				t.Errorf("console line %q lacks %q", out, tt.want)
			}
		})
	}
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Info("nothing", Fields("k", "v"))
	if l.WithComponent("x").WithContext(context.Background()) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestGlobalLogger(t *testing.T) {
	t.Cleanup(func() { SetGlobalLogger(nil) })

	if GetGlobalLogger() == nil {
		t.Fatal("expected a default global logger")
	}
	l := Init(Config{Level: "error", Format: FormatJSON, Output: "stderr"})
	if GetGlobalLogger() != l {
		t.Error("Init should install its logger")
	}

	var buf bytes.Buffer
	SetGlobalLogger(jsonLogger(&buf, "debug"))
	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	if n := strings.Count(buf.String(), "\n"); n != 4 {
		t.Errorf("expected 4 lines, got %d: %q", n, buf.String())
	}
}

func TestConfig(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Level != "info" || cfg.Format != FormatConsole || cfg.Output != "stdout" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Level: "debug", Format: "json", Output: "stderr"}, false},
		{"upper case", Config{Level: "WARN", Format: "JSON"}, false},
		{"bad level", Config{Level: "loud", Format: "json"}, true},
		{"bad format", Config{Level: "info", Format: "xml"}, true},
		{"bad output", Config{Level: "info", Format: "json", Output: "file"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFields(t *testing.T) {
	f := Fields("a", 1, "b", "two", 3, "ignored", "dangling")
	if f["a"] != 1 || f["b"] != "two" || len(f) != 2 {
		t.Errorf("unexpected fields: %v", f)
	}
	if m := MergeWithError(Fields("a", 1), nil); len(m) != 1 {
		t.Errorf("nil error must not add a field: %v", m)
	}
}
