package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/config"
	"github.com/kbukum/capdir/logger"
)

type testConfig struct {
	config.ServiceConfig
}

type mockComponent struct {
	name     string
	startErr error
	stopErr  error
	health   component.Health
	started  bool
	stopped  bool
}

func (m *mockComponent) Name() string { return m.name }
func (m *mockComponent) Start(context.Context) error {
	m.started = true
	return m.startErr
}
func (m *mockComponent) Stop(context.Context) error {
	m.stopped = true
	return m.stopErr
}
func (m *mockComponent) Health(context.Context) component.Health { return m.health }

type describedComponent struct {
	mockComponent
	desc   component.Description
	routes []component.Route
}

func (d *describedComponent) Describe() component.Description { return d.desc }
func (d *describedComponent) Routes() []component.Route      { return d.routes }

func newTestApp(t *testing.T, opts ...Option) *App[*testConfig] {
	t.Helper()
	cfg := &testConfig{ServiceConfig: config.ServiceConfig{Name: "capdir", Version: "1.0.0", Environment: "development"}}
	opts = append([]Option{WithLogger(logger.NewNop()), WithQuietStartup()}, opts...)
	app, err := NewApp(cfg, opts...)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func healthy(name string) *mockComponent {
	return &mockComponent{name: name, health: component.Health{Name: name, Status: component.StatusHealthy}}
}

func TestNewApp(t *testing.T) {
	app := newTestApp(t)
	if app.Name != "capdir" || app.Version != "1.0.0" {
		t.Errorf("unexpected identity %s %s", app.Name, app.Version)
	}
	if app.opts.gracefulTimeout != DefaultGracefulTimeout {
		t.Errorf("expected default graceful timeout, got %v", app.opts.gracefulTimeout)
	}
	if app.Components == nil || app.Summary == nil || app.Logger == nil {
		t.Error("expected registry, summary and logger")
	}

	app = newTestApp(t, WithGracefulTimeout(time.Minute))
	if app.opts.gracefulTimeout != time.Minute {
		t.Errorf("WithGracefulTimeout not applied: %v", app.opts.gracefulTimeout)
	}
	app = newTestApp(t, WithGracefulTimeout(0))
	if app.opts.gracefulTimeout != DefaultGracefulTimeout {
		t.Errorf("zero timeout should be ignored, got %v", app.opts.gracefulTimeout)
	}
}

func TestNewAppValidation(t *testing.T) {
	if _, err := NewApp(&testConfig{}); err == nil {
		t.Error("expected validation error for missing name")
	}
	bad := &testConfig{ServiceConfig: config.ServiceConfig{Name: "capdir", Environment: "moon"}}
	if _, err := NewApp(bad); err == nil {
		t.Error("expected validation error for unknown environment")
	}
}

func TestRunTask_LifecycleOrder(t *testing.T) {
	app := newTestApp(t)
	comp := healthy("capabilities-directory")
	if err := app.RegisterComponent(comp); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}

	var order []string
	record := func(name string) Hook {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	app.OnStart(record("start"))
	app.OnReady(record("ready"))
	app.OnStop(record("stop"))

	err := app.RunTask(context.Background(), func(context.Context) error {
		if !comp.started {
			t.Error("component not started before the task")
		}
		order = append(order, "task")
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if want := []string{"start", "ready", "task", "stop"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if !comp.stopped {
		t.Error("component not stopped after the task")
	}
}

func TestRunTask_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(app *App[*testConfig])
		task  func(context.Context) error
	}{
		{"task", func(*App[*testConfig]) {}, func(context.Context) error { return boom }},
		{"start hook", func(a *App[*testConfig]) { a.OnStart(func(context.Context) error { return boom }) }, nil},
		{"ready hook", func(a *App[*testConfig]) { a.OnReady(func(context.Context) error { return boom }) }, nil},
		{"stop hook", func(a *App[*testConfig]) { a.OnStop(func(context.Context) error { return boom }) }, nil},
		{"component start", func(a *App[*testConfig]) {
			_ = a.RegisterComponent(&mockComponent{name: "remote-directory", startErr: boom})
		}, nil},
		{"component stop", func(a *App[*testConfig]) {
			_ = a.RegisterComponent(&mockComponent{name: "remote-directory", stopErr: boom})
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			first := healthy("routing-table")
			_ = app.RegisterComponent(first)
			tt.setup(app)
			task := tt.task
			if task == nil {
				task = func(context.Context) error { return nil }
			}
			if err := app.RunTask(context.Background(), task); !errors.Is(err, boom) {
				t.Errorf("expected boom, got %v", err)
			}
			if !first.stopped {
				t.Error("components started before the failure must be stopped")
			}
		})
	}
}

func TestRunTask_Cancellation(t *testing.T) {
	app := newTestApp(t)
	comp := healthy("capabilities-directory")
	_ = app.RegisterComponent(comp)
	ctx, cancel := context.WithCancel(context.Background())
	err := app.RunTask(ctx, func(taskCtx context.Context) error {
		cancel()
		<-taskCtx.Done()
		return taskCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !comp.stopped {
		t.Error("shutdown must run even though the parent context is canceled")
	}
}

func TestRun_StopsWhenContextEnds(t *testing.T) {
	app := newTestApp(t)
	comp := healthy("capabilities-directory")
	_ = app.RegisterComponent(comp)
	ctx, cancel := context.WithCancel(context.Background())
	app.OnReady(func(context.Context) error {
		cancel()
		return nil
	})
	if err := app.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !comp.stopped {
		t.Error("expected component stopped")
	}
}

func TestReadyCheck(t *testing.T) {
	app := newTestApp(t)
	if err := app.ReadyCheck(context.Background()); err != nil {
		t.Errorf("empty registry should be ready: %v", err)
	}
	_ = app.RegisterComponent(healthy("remote-directory"))
	if err := app.ReadyCheck(context.Background()); err != nil {
		t.Errorf("expected ready: %v", err)
	}
	_ = app.RegisterComponent(&mockComponent{name: "capabilities-directory", health: component.Health{
		Name: "capabilities-directory", Status: component.StatusDegraded, Message: "3 tasks pending",
	}})
	err := app.ReadyCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "capabilities-directory=degraded(3 tasks pending)") {
		t.Errorf("unexpected ready check error: %v", err)
	}
}

func TestSummary_CollectsFromRegistry(t *testing.T) {
	registry := component.NewRegistry()
	_ = registry.Register(&describedComponent{
		mockComponent: *healthy("http-server"),
		desc:          component.Description{Name: "HTTP Server", Type: "server", Details: "0.0.0.0:8080", Port: 8080},
		routes:        []component.Route{{Method: "GET", Path: "/v1/capabilities", Handler: "Handler.List"}},
	})
	_ = registry.Register(&describedComponent{
		mockComponent: mockComponent{name: "capabilities-directory", health: component.Health{
			Name: "capabilities-directory", Status: component.StatusDegraded, Message: "1 tasks pending",
		}},
		desc: component.Description{Type: "directory", Details: "gbids=[gbid1]"},
	})

	var buf bytes.Buffer
	s := NewSummary("capdir", "1.0.0")
	s.SetOutput(&buf)
	s.TrackInfrastructure("Consul", "remote", "localhost:8500", 8500)
	s.SetStartupDuration(1500 * time.Millisecond)
	s.DisplaySummary(registry, logger.NewNop())

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no color codes:\n%s", out)
	}
	for _, want := range []*regexp.Regexp{
		regexp.MustCompile(`capdir v1\.0\.0 started in 1\.50s`),
		regexp.MustCompile(`Consul\s+remote\s+localhost:8500 \(:8500\)`),
		regexp.MustCompile(`HTTP Server\s+server\s+0\.0\.0\.0:8080 \(:8080\)`),
		regexp.MustCompile(`capabilities-directory\s+directory\s+gbids=\[gbid1\]`),
		regexp.MustCompile(`GET\s+/v1/capabilities\s+Handler\.List`),
		regexp.MustCompile(`capabilities-directory\s+degraded\s+1 tasks pending`),
		regexp.MustCompile(`http-server\s+ok`),
	} {
		if !want.MatchString(out) {
			t.Errorf("summary does not match %s:\n%s", want, out)
		}
	}
}

func TestSummary_NilRegistry(t *testing.T) {
	var buf bytes.Buffer
	s := NewSummary("capdir", "dev")
	s.SetOutput(&buf)
	s.DisplaySummary(nil, nil)
	if !strings.Contains(buf.String(), "(none)") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
