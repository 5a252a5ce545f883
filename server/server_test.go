package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
)

func newTestServer(t *testing.T, checker func(context.Context) []component.Health) *Server {
	t.Helper()
	cfg := Config{Host: "127.0.0.1"}
	cfg.ApplyDefaults()
	cfg.Port = 0
	s := New(cfg, logger.NewNop())
	s.RegisterDefaultEndpoints("capdir", checker)
	return s
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"port out of range", Config{Port: 70000}, true},
		{"negative timeout", Config{ReadTimeout: -time.Second}, true},
		{"negative body limit", Config{MaxBodyBytes: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []component.HealthStatus
		path       string
		wantCode   int
		wantStatus string
	}{
		{"all healthy", []component.HealthStatus{component.StatusHealthy}, "/health", http.StatusOK, "healthy"},
		{"degraded", []component.HealthStatus{component.StatusHealthy, component.StatusDegraded}, "/health", http.StatusOK, "degraded"},
		{"unhealthy", []component.HealthStatus{component.StatusDegraded, component.StatusUnhealthy}, "/health", http.StatusServiceUnavailable, "unhealthy"},
		{"ready", []component.HealthStatus{component.StatusDegraded}, "/ready", http.StatusOK, "ready"},
		{"not ready", []component.HealthStatus{component.StatusUnhealthy}, "/ready", http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(context.Context) []component.Health {
				var out []component.Health
				for _, st := range tt.statuses {
					out = append(out, component.Health{Name: "capabilities-directory", Status: st})
				}
				return out
			})
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if rr.Header().Get("X-Request-Id") == "" {
				t.Error("middleware chain not applied")
			}
		})
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := newTestServer(t, nil)
	s.GinEngine().GET("/boom", func(*gin.Context) { panic("boom") })

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestComponentLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	c := NewComponent(s)

	if h := c.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before start, got %s", h.Status)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	if h := c.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy after start, got %s", h.Status)
	}
	resp, err := http.Get("http://" + s.Addr() + "/alive")
	if err != nil {
		t.Fatalf("GET /alive: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	routes := c.Routes()
	if len(routes) == 0 || routes[len(routes)-1].Handler == "" {
		t.Fatalf("unexpected routes %+v", routes)
	}
	if d := c.Describe(); d.Type != "server" {
		t.Errorf("unexpected description %+v", d)
	}
}

func TestFormatHandlerName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"github.com/kbukum/capdir/capabilities/httpapi.(*Handler).List-fm", "Handler.List"},
		{"github.com/kbukum/capdir/server/endpoint.Health.func1", "health"},
	}
	for _, tt := range tests {
		if got := formatHandlerName(tt.in); got != tt.want {
			t.Errorf("formatHandlerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
