package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/kbukum/capdir/component"
)

// Component adapts a Directory to component.Component.
type Component struct {
	dir              *Directory
	unregisterOnStop bool
}

// NewComponent wraps dir. With unregisterOnStop, Stop removes every globally
// registered local provider from the global directory.
func NewComponent(dir *Directory, unregisterOnStop bool) *Component {
	return &Component{dir: dir, unregisterOnStop: unregisterOnStop}
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// Name returns the component name.
func (c *Component) Name() string { return "capabilities-directory" }

// Directory returns the wrapped directory.
func (c *Component) Directory() *Directory { return c.dir }

// Start starts the directory.
func (c *Component) Start(ctx context.Context) error {
	return c.dir.Start(ctx)
}

// Stop shuts the directory down.
func (c *Component) Stop(ctx context.Context) error {
	return c.dir.Shutdown(ctx, c.unregisterOnStop)
}

// Health reports degraded while global registrations wait for the transport.
func (c *Component) Health(_ context.Context) component.Health {
	c.dir.lifecycleMu.Lock()
	running := c.dir.running
	c.dir.lifecycleMu.Unlock()
	if !running {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not running"}
	}

	queued, tasks := c.dir.Pending()
	if _, ready := c.dir.TransportAddress(); !ready && queued > 0 {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusDegraded,
			Message: fmt.Sprintf("transport not ready, %d registrations queued", queued),
		}
	}
	return component.Health{
		Name:    c.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("%d tasks pending", tasks),
	}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Capabilities Directory",
		Type:    "directory",
		Details: fmt.Sprintf("gbids=%s local=%d", strings.Join(c.dir.KnownGbids(), ","), len(c.dir.ListLocalCapabilities())),
	}
}
