// Package remote provides the clients the capabilities directory uses to
// reach the global capabilities directory (GCD).
//
// Backends register a ProviderFactory under a name, usually from an init
// function, and are selected through Config.Provider:
//
//	import _ "github.com/kbukum/capdir/capabilities/remote/consul"
//
//	client, err := remote.New(cfg, &consulCfg, log)
//
// Two backends ship with the module: "memory", an in-process GCD shared by
// every client created from the same Backend, and "consul", which keeps the
// GCD records in the Consul KV store.
package remote
