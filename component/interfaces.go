package component

import "context"

// HealthStatus is the coarse state reported by Health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is one component's entry in /health.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component is a unit the Registry starts and stops. Names must be unique
// within a registry.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	// Stop must return once ctx is done.
	Stop(ctx context.Context) error
	Health(ctx context.Context) Health
}

// Description is a component's row in the startup summary.
type Description struct {
	// Name defaults to Component.Name when empty.
	Name string
	// Type groups rows, e.g. "directory", "remote" or "server".
	Type    string
	Details string
	Port    int
}

// Describable components appear in the startup summary.
type Describable interface {
	Describe() Description
}

// Route is an HTTP route listed in the startup summary.
type Route struct {
	Method  string
	Path    string
	Handler string
}

// RouteProvider is implemented by components serving HTTP.
type RouteProvider interface {
	Routes() []Route
}
