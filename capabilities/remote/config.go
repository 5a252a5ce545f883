package remote

import (
	"fmt"
	"time"

	"github.com/kbukum/capdir/validation"
)

// Provider names.
const (
	ProviderMemory = "memory"
	ProviderConsul = "consul"
)

// Config selects and configures the GCD client.
type Config struct {
	// Provider selects the backend: "memory" or "consul".
	Provider string `yaml:"provider" mapstructure:"provider" validate:"required"`

	// ClusterControllerID identifies this node. Records are owned by it and
	// touch and removeStale only affect its own records.
	ClusterControllerID string `yaml:"cluster_controller_id" mapstructure:"cluster_controller_id" validate:"required"`

	// KnownGbids lists the backends the GCD serves. Requests for other GBIDs
	// fail with UNKNOWN_GBID.
	KnownGbids []string `yaml:"known_gbids" mapstructure:"known_gbids" validate:"required,min=1,dive,gbid"`

	// RequestTimeout bounds calls that carry no TTL of their own (remove,
	// touch, removeStale).
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// Breaker guards the backend connection.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around backend calls.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" mapstructure:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
}

// ApplyDefaults fills zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderMemory
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	switch c.Provider {
	case ProviderMemory, ProviderConsul:
	default:
		return fmt.Errorf("unsupported remote provider %q", c.Provider)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be non-negative")
	}
	return nil
}
