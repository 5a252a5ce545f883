package main

import (
	"context"

	"github.com/kbukum/capdir/bootstrap"
	"github.com/kbukum/capdir/capabilities/directory"
	"github.com/kbukum/capdir/capabilities/httpapi"
	"github.com/kbukum/capdir/capabilities/remote"
	"github.com/kbukum/capdir/component"
	"github.com/kbukum/capdir/observability"
	"github.com/kbukum/capdir/routing"
	"github.com/kbukum/capdir/server"
	"github.com/kbukum/capdir/version"

	// remote providers
	_ "github.com/kbukum/capdir/capabilities/remote/consul"
	_ "github.com/kbukum/capdir/capabilities/remote/memory"
)

// node is one cluster controller's directory with its collaborators.
type node struct {
	app       *bootstrap.App[*Config]
	dir       *directory.Directory
	table     *routing.Table
	addresses *routing.StaticAddressProvider
}

// newNode wires the directory. The admin server is only added when
// withServer is set and the server is enabled in cfg.
func newNode(ctx context.Context, cfg *Config, withServer bool, opts ...bootstrap.Option) (*node, error) {
	app, err := bootstrap.NewApp(cfg, opts...)
	if err != nil {
		return nil, err
	}
	log := app.Logger

	shutdownTelemetry, err := observability.Setup(ctx, cfg.Observability, cfg.Name, version.Get().Short(), cfg.Environment)
	if err != nil {
		return nil, err
	}
	app.OnStop(func(ctx context.Context) error { return shutdownTelemetry(ctx) })

	var providerCfg any
	if cfg.Remote.Provider == remote.ProviderConsul {
		providerCfg = &cfg.Consul
	}
	client, err := remote.New(cfg.Remote, providerCfg, log)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	n := &node{
		app:       app,
		table:     routing.NewTable(nil),
		addresses: routing.NewStaticAddressProvider(nil),
	}
	n.dir, err = directory.New(cfg.Capabilities, client, n.table, n.addresses, directory.WithLogger(log))
	if err != nil {
		_ = client.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	if err := app.RegisterComponent(routing.NewComponent(n.table, cfg.Routing.PurgeInterval, log)); err != nil {
		return nil, err
	}
	if err := app.RegisterComponent(remote.NewComponent(client, cfg.Remote, log)); err != nil {
		return nil, err
	}
	if err := app.RegisterComponent(directory.NewComponent(n.dir, cfg.UnregisterOnShutdown)); err != nil {
		return nil, err
	}
	if cfg.UnregisterOnShutdown {
		// leave room for one remove call per global provider
		app.Components.SetStopTimeout(component.DefaultStopTimeout + cfg.Remote.RequestTimeout)
	}

	if withServer && cfg.Server.Enabled {
		srv := server.New(cfg.Server, log)
		httpapi.NewHandler(n.dir, log,
			httpapi.WithProviderExpiry(cfg.Capabilities.ProviderExpiryInterval),
			httpapi.WithRoutes(n.table),
		).Register(srv.GinEngine())
		srv.RegisterDefaultEndpoints(cfg.Name, app.Components.HealthAll)
		if err := app.RegisterComponent(server.NewComponent(srv)); err != nil {
			return nil, err
		}
	}

	// The transport is ready once every component runs; global
	// registrations made before then are queued by the directory.
	app.OnStart(func(context.Context) error {
		n.addresses.SetAddress(cfg.Transport.Address())
		return nil
	})
	return n, nil
}
