package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/logger"
)

// DefaultGracefulTimeout bounds Shutdown when no WithGracefulTimeout is given.
const DefaultGracefulTimeout = 15 * time.Second

// Hook runs at a lifecycle phase. Services use hooks for work that belongs
// to no single component, such as publishing the transport address once
// everything runs.
type Hook func(ctx context.Context) error

type phase int

const (
	phaseStart phase = iota // components started, not yet ready
	phaseReady              // ready check done
	phaseStop               // before components stop
)

func (p phase) String() string {
	return [...]string{"start", "ready", "stop"}[p]
}

// App owns the components of one process and drives them through
// start, ready and stop. C is the service's config type.
type App[C Config] struct {
	Name       string
	Version    string
	Cfg        C
	Components *component.Registry
	Logger     *logger.Logger
	Summary    *Summary

	opts    options
	hooks   [3][]Hook
	started time.Time
}

// NewApp validates cfg after applying its defaults and sets up logging.
func NewApp[C Config](cfg C, opts ...Option) (*App[C], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	base := cfg.GetServiceConfig()

	o := options{gracefulTimeout: DefaultGracefulTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logger.Init(base.Logging)
	}

	return &App[C]{
		Name:       base.Name,
		Version:    base.Version,
		Cfg:        cfg,
		Components: component.NewRegistry(),
		Logger:     log,
		Summary:    NewSummary(base.Name, base.Version),
		opts:       o,
	}, nil
}

// RegisterComponent appends c. Components start in registration order.
func (a *App[C]) RegisterComponent(c component.Component) error {
	return a.Components.Register(c)
}

// OnStart registers hooks that run right after all components started.
func (a *App[C]) OnStart(hooks ...Hook) { a.hooks[phaseStart] = append(a.hooks[phaseStart], hooks...) }

// OnReady registers hooks that run after the ready check.
func (a *App[C]) OnReady(hooks ...Hook) { a.hooks[phaseReady] = append(a.hooks[phaseReady], hooks...) }

// OnStop registers hooks that run before components are stopped.
func (a *App[C]) OnStop(hooks ...Hook) { a.hooks[phaseStop] = append(a.hooks[phaseStop], hooks...) }

func (a *App[C]) runHooks(ctx context.Context, p phase) error {
	for i, h := range a.hooks[p] {
		if err := h(ctx); err != nil {
			return fmt.Errorf("%s hook %d: %w", p, i, err)
		}
	}
	return nil
}

// ReadyCheck fails while any component is not healthy. A degraded
// component, e.g. a directory with a backlog of remote calls, is reported
// but still serves local requests.
func (a *App[C]) ReadyCheck(ctx context.Context) error {
	var bad []string
	for _, h := range a.Components.HealthAll(ctx) {
		if h.Status == component.StatusHealthy {
			continue
		}
		s := h.Name + "=" + string(h.Status)
		if h.Message != "" {
			s += "(" + h.Message + ")"
		}
		bad = append(bad, s)
	}
	if len(bad) > 0 {
		return fmt.Errorf("components not healthy: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Start starts every component and runs the start and ready hooks. When a
// step fails the components already started are stopped again.
func (a *App[C]) Start(ctx context.Context) error {
	a.started = time.Now()
	a.Logger.Info("starting", logger.Fields("name", a.Name, "version", a.Version))

	if err := a.Components.StartAll(ctx); err != nil {
		return a.abort(fmt.Errorf("start components: %w", err))
	}
	if err := a.runHooks(ctx, phaseStart); err != nil {
		return a.abort(err)
	}
	if err := a.ReadyCheck(ctx); err != nil {
		a.Logger.Warn("ready check reported issues", logger.MergeWithError(nil, err))
	}
	if err := a.runHooks(ctx, phaseReady); err != nil {
		return a.abort(err)
	}

	a.Summary.SetStartupDuration(time.Since(a.started))
	if !a.opts.quiet {
		a.Summary.DisplaySummary(a.Components, a.Logger)
	}
	return nil
}

func (a *App[C]) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.gracefulTimeout)
	defer cancel()
	if stopErr := a.Components.StopAll(ctx); stopErr != nil {
		a.Logger.Error("cleanup after failed start", logger.MergeWithError(nil, stopErr))
	}
	return err
}

// Shutdown runs the stop hooks, then stops the components in reverse order.
// It gives up after the graceful timeout or when ctx ends, whichever is first,
// and returns every error it met.
func (a *App[C]) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down", logger.Fields("timeout", a.opts.gracefulTimeout.String()))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.gracefulTimeout)
	defer cancel()

	err := multierr.Combine(
		a.runHooks(ctx, phaseStop),
		a.Components.StopAll(ctx),
	)
	if err != nil {
		a.Logger.Error("shutdown finished with errors", logger.MergeWithError(nil, err))
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Run starts the app and blocks until SIGINT, SIGTERM or the end of ctx,
// then shuts down.
func (a *App[C]) Run(ctx context.Context) error {
	sigCtx, stop := signalContext(ctx)
	defer stop()

	if err := a.Start(sigCtx); err != nil {
		return err
	}
	a.Logger.Info("ready")
	<-sigCtx.Done()
	a.Logger.Info("stop requested", logger.Fields("cause", context.Cause(sigCtx).Error()))
	return a.Shutdown(ctx)
}

// RunTask starts the app, runs task and shuts down. A signal cancels the
// task's context. The task error comes first in the returned error.
func (a *App[C]) RunTask(ctx context.Context, task func(ctx context.Context) error) error {
	sigCtx, stop := signalContext(ctx)
	defer stop()

	if err := a.Start(sigCtx); err != nil {
		return err
	}
	return multierr.Append(task(sigCtx), a.Shutdown(ctx))
}
