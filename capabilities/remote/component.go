package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
)

// Component manages the lifecycle of a Client.
type Component struct {
	client Client
	cfg    Config
	log    *logger.Logger
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent wraps client for use with the component registry.
func NewComponent(client Client, cfg Config, log *logger.Logger) *Component {
	return &Component{client: client, cfg: cfg, log: log.WithComponent("remote")}
}

// Name returns the component name.
func (c *Component) Name() string { return "remote-directory" }

// Client returns the wrapped client.
func (c *Component) Client() Client { return c.client }

// Start checks the backend. An unreachable backend is not fatal: the
// directory retries and queues its calls.
func (c *Component) Start(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		c.log.Warn("global capabilities directory not reachable yet", logger.MergeWithError(
			logger.Fields("provider", c.cfg.Provider), err))
		return nil
	}
	c.log.Info("remote component started", logger.Fields("provider", c.cfg.Provider, logger.FieldGBIDs, c.cfg.KnownGbids))
	return nil
}

// Stop closes the client.
func (c *Component) Stop(_ context.Context) error {
	c.log.Info("remote component stopping")
	return c.client.Close()
}

// Health pings the backend.
func (c *Component) Health(ctx context.Context) component.Health {
	if err := c.client.Ping(ctx); err != nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: err.Error()}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Global Capabilities Directory",
		Type:    "remote",
		Details: fmt.Sprintf("provider=%s cc=%s gbids=%s", c.cfg.Provider, c.cfg.ClusterControllerID, strings.Join(c.cfg.KnownGbids, ",")),
	}
}
