package component

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/kbukum/capdir/logger"
)

// DefaultStopTimeout bounds each component's Stop.
const DefaultStopTimeout = 10 * time.Second

type slot struct {
	c       Component
	running bool
}

// Registry starts components in registration order and stops them in
// reverse. Only components that started are stopped.
type Registry struct {
	mu          sync.RWMutex
	slots       []*slot
	byName      map[string]*slot
	stopTimeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*slot), stopTimeout: DefaultStopTimeout}
}

// SetStopTimeout replaces DefaultStopTimeout. Non-positive values are ignored.
func (r *Registry) SetStopTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.stopTimeout = d
	r.mu.Unlock()
}

// Register appends c. Register dependencies before their dependents.
func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("component %s already registered", name)
	}
	s := &slot{c: c}
	r.slots = append(r.slots, s)
	r.byName[name] = s
	logger.Debug("component registered", logger.Fields(logger.FieldComponent, name))
	return nil
}

// StartAll starts the components that are not running yet and halts at the
// first failure. Components started before it keep running until StopAll.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.running {
			continue
		}
		name := s.c.Name()
		if err := s.c.Start(ctx); err != nil {
			logger.Error("component start failed", logger.MergeWithError(logger.Fields(logger.FieldComponent, name), err))
			return fmt.Errorf("start %s: %w", name, err)
		}
		s.running = true
		logger.Debug("component started", logger.Fields(logger.FieldComponent, name))
	}
	logger.Info("components started", logger.Fields("count", len(r.slots)))
	return nil
}

// StopAll stops running components in reverse order, each under its own
// deadline, and combines their errors.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for _, s := range slices.Backward(r.slots) {
		if !s.running {
			continue
		}
		s.running = false
		name := s.c.Name()
		fields := logger.Fields(logger.FieldComponent, name)

		stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		err := s.c.Stop(stopCtx)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", name, err))
			logger.Error("component stop failed", logger.MergeWithError(fields, err))
			continue
		}
		logger.Info("component stopped", fields)
	}
	return errs
}

// HealthAll collects Health from every component in registration order.
func (r *Registry) HealthAll(ctx context.Context) []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.c.Health(ctx)
	}
	return out
}

// Get returns the component registered under name, or nil.
func (r *Registry) Get(name string) Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byName[name]; ok {
		return s.c
	}
	return nil
}

// All returns the components in registration order.
func (r *Registry) All() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Component, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.c
	}
	return out
}
