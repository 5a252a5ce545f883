// Package endpoint holds the operational HTTP handlers every capdir node
// exposes next to the admin API: probes, build info and runtime stats.
package endpoint

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/capdir/component"
)

// HealthChecker returns the health of the registered components.
type HealthChecker func(ctx context.Context) []component.Health

type probeResponse struct {
	Status     string             `json:"status"`
	Service    string             `json:"service"`
	Timestamp  string             `json:"timestamp"`
	Components []component.Health `json:"components,omitempty"`
}

// Overall folds component states: one unhealthy component makes the node
// unhealthy, otherwise one degraded component makes it degraded.
func Overall(components []component.Health) component.HealthStatus {
	overall := component.StatusHealthy
	for _, h := range components {
		switch h.Status {
		case component.StatusUnhealthy:
			return component.StatusUnhealthy
		case component.StatusDegraded:
			overall = component.StatusDegraded
		}
	}
	return overall
}

func check(ctx context.Context, checker HealthChecker) []component.Health {
	if checker == nil {
		return nil
	}
	return checker(ctx)
}

func respondProbe(c *gin.Context, code int, resp probeResponse) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	c.JSON(code, resp)
}

// Health reports every component. A node with an unhealthy component
// answers 503; a degraded directory (remote backend down) still answers 200.
func Health(serviceName string, checker HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		components := check(c.Request.Context(), checker)
		status := Overall(components)
		code := http.StatusOK
		if status == component.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		respondProbe(c, code, probeResponse{Status: string(status), Service: serviceName, Components: components})
	}
}

// Readiness answers 503 until every component has started.
func Readiness(serviceName string, checker HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Overall(check(c.Request.Context(), checker)) == component.StatusUnhealthy {
			respondProbe(c, http.StatusServiceUnavailable, probeResponse{Status: "not_ready", Service: serviceName})
			return
		}
		respondProbe(c, http.StatusOK, probeResponse{Status: "ready", Service: serviceName})
	}
}

// Liveness only proves the process serves HTTP.
func Liveness(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		respondProbe(c, http.StatusOK, probeResponse{Status: "alive", Service: serviceName})
	}
}
