// Package bootstrap runs a capdir process: it validates the typed config,
// starts the registered components in order, runs lifecycle hooks, prints a
// startup summary and shuts everything down on SIGINT or SIGTERM.
//
//	app, err := bootstrap.NewApp(&cfg)
//	if err != nil {
//	    return err
//	}
//	_ = app.RegisterComponent(remote.NewComponent(client, cfg.Remote, app.Logger))
//	_ = app.RegisterComponent(directory.NewComponent(dir, cfg.UnregisterOnShutdown))
//	return app.Run(ctx)
package bootstrap
