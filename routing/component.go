package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
)

// DefaultPurgeInterval is how often expired routes are dropped.
const DefaultPurgeInterval = time.Minute

// Component owns a Table and purges its expired, unreferenced routes on a
// fixed interval.
type Component struct {
	table    *Table
	interval time.Duration
	clock    clock.Clock
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent wraps table. A non-positive interval means DefaultPurgeInterval.
func NewComponent(table *Table, interval time.Duration, log *logger.Logger) *Component {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	return &Component{table: table, interval: interval, clock: table.clock, log: log.WithComponent("routing")}
}

// Name returns the component name.
func (c *Component) Name() string { return "routing-table" }

// Table returns the wrapped table.
func (c *Component) Table() *Table { return c.table }

// Start launches the purge loop.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("routing table already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

// Stop ends the purge loop.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health is always healthy once started.
func (c *Component) Health(_ context.Context) component.Health {
	c.mu.Lock()
	running := c.cancel != nil
	c.mu.Unlock()
	if !running {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not running"}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy, Message: fmt.Sprintf("%d routes", len(c.table.Routes()))}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Routing Table",
		Type:    "routing",
		Details: "purge every " + c.interval.String(),
	}
}

func (c *Component) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.table.PurgeExpired(); n > 0 {
				c.log.Debug("purged expired routes", logger.Fields("count", n))
			}
		}
	}
}
