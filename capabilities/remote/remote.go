package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/logger"
)

// Client is a GCD client with a connection lifecycle.
type Client interface {
	capabilities.GlobalDirectoryClient
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the connection. Calls still in flight complete with a
	// failure.
	Close() error
}

// ProviderFactory creates a Client from a Config. providerCfg holds
// provider-specific configuration (e.g. *consul.Config, *memory.Backend);
// providers type-assert it to their own type.
type ProviderFactory func(cfg Config, providerCfg any, log *logger.Logger) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]ProviderFactory)
)

// RegisterProviderFactory makes a backend available under name.
func RegisterProviderFactory(name string, f ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Providers returns the registered provider names.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the client for cfg.Provider.
func New(cfg Config, providerCfg any, log *logger.Logger) (Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported remote provider %q (not registered)", cfg.Provider)
	}
	client, err := f(cfg, providerCfg, log.WithComponent("remote."+cfg.Provider))
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", cfg.Provider, err)
	}
	return client, nil
}

// ResultOf converts a backend outcome into a directory result. A
// *capabilities.ModeledError becomes a modeled result.
func ResultOf[T any](v T, err error) capabilities.Result[T] {
	if err == nil {
		return capabilities.Success(v)
	}
	var modeled *capabilities.ModeledError
	if stderrors.As(err, &modeled) {
		return capabilities.Modeled[T](modeled.Code)
	}
	return capabilities.Failed[T](err)
}

// Modeled wraps code as an error for backends that signal modeled errors
// through a single error value.
func Modeled(code capabilities.DiscoveryError) error {
	return &capabilities.ModeledError{Code: code}
}

// CheckGbids rejects an empty request as well as the cases
// capabilities.ValidateGbids rejects.
func CheckGbids(gbids, known []string) capabilities.DiscoveryError {
	if len(gbids) == 0 {
		return capabilities.ErrInvalidGbid
	}
	return capabilities.ValidateGbids(gbids, known)
}
