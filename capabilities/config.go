package capabilities

import (
	"fmt"
	"time"

	"github.com/kbukum/capdir/validation"
)

// Defaults for Config.
const (
	DefaultTTL                     = 60 * time.Second
	DefaultProviderExpiryInterval  = 6 * 7 * 24 * time.Hour
	DefaultFreshnessUpdateInterval = time.Hour
	DefaultReAddInterval           = 7 * 24 * time.Hour
	DefaultCleanupInterval         = time.Hour
	DefaultRemoveStaleMinBackoff   = time.Second
	DefaultRemoveStaleMaxBackoff   = time.Minute
)

// Config configures the local capabilities directory.
type Config struct {
	// KnownGbids lists the backends this node can reach; the first one is the
	// default backend.
	KnownGbids []string `yaml:"known_gbids" mapstructure:"known_gbids" json:"known_gbids" validate:"required,min=1,unique,dive,gbid"`
	// DefaultTTL bounds add/remove calls to the global directory and the
	// deadline of blocking registrations.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl" json:"default_ttl" validate:"gt=0"`
	// ProviderExpiryInterval is added to the touch time to form the new
	// expiry of every local entry.
	ProviderExpiryInterval  time.Duration `yaml:"provider_expiry_interval" mapstructure:"provider_expiry_interval" json:"provider_expiry_interval" validate:"gt=0"`
	FreshnessUpdateInterval time.Duration `yaml:"freshness_update_interval" mapstructure:"freshness_update_interval" json:"freshness_update_interval" validate:"gt=0"`
	ReAddInterval           time.Duration `yaml:"readd_interval" mapstructure:"readd_interval" json:"readd_interval" validate:"gt=0"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval" validate:"gt=0"`
	// RemoveStaleRetryWindow stops stale-provider cleanup retries once this
	// much time has passed since startup. Zero retries forever.
	RemoveStaleRetryWindow time.Duration `yaml:"remove_stale_retry_window" mapstructure:"remove_stale_retry_window" json:"remove_stale_retry_window" validate:"gte=0"`
	RemoveStaleMinBackoff  time.Duration `yaml:"remove_stale_min_backoff" mapstructure:"remove_stale_min_backoff" json:"remove_stale_min_backoff" validate:"gt=0"`
	RemoveStaleMaxBackoff  time.Duration `yaml:"remove_stale_max_backoff" mapstructure:"remove_stale_max_backoff" json:"remove_stale_max_backoff" validate:"gt=0"`
	// GlobalCacheCapacity bounds the global cache; least recently used
	// entries are evicted first. Zero means unbounded.
	GlobalCacheCapacity int `yaml:"global_cache_capacity" mapstructure:"global_cache_capacity" json:"global_cache_capacity" validate:"gte=0"`
	// ReAddParallelism bounds concurrent adds during a re-add. Zero means
	// one call per entry at once.
	ReAddParallelism int `yaml:"readd_parallelism" mapstructure:"readd_parallelism" json:"readd_parallelism" validate:"gte=0"`
	// RemoveStaleOnStart asks the global directory to drop this node's stale
	// providers when the directory starts.
	RemoveStaleOnStart *bool `yaml:"remove_stale_on_start" mapstructure:"remove_stale_on_start" json:"remove_stale_on_start"`
	// ProvisionedEntries are global entries known without a lookup.
	ProvisionedEntries []ProvisionedEntry `yaml:"provisioned_entries" mapstructure:"provisioned_entries" json:"provisioned_entries" validate:"dive"`
}

// ProvisionedEntry is a statically configured global entry.
type ProvisionedEntry struct {
	ParticipantID string `yaml:"participant_id" mapstructure:"participant_id" json:"participant_id" validate:"required"`
	Domain        string `yaml:"domain" mapstructure:"domain" json:"domain" validate:"required"`
	InterfaceName string `yaml:"interface_name" mapstructure:"interface_name" json:"interface_name" validate:"required"`
	MajorVersion  int32  `yaml:"major_version" mapstructure:"major_version" json:"major_version"`
	MinorVersion  int32  `yaml:"minor_version" mapstructure:"minor_version" json:"minor_version"`
	// BrokerURI is the GBID the provider is reachable through.
	BrokerURI string `yaml:"broker_uri" mapstructure:"broker_uri" json:"broker_uri" validate:"required,gbid"`
	Topic     string `yaml:"topic" mapstructure:"topic" json:"topic"`
}

// GlobalDiscoveryEntry builds the cache entry for p.
func (p ProvisionedEntry) GlobalDiscoveryEntry(nowMs int64) (GlobalDiscoveryEntry, error) {
	return NewGlobalDiscoveryEntry(DiscoveryEntry{
		ProviderVersion: Version{Major: p.MajorVersion, Minor: p.MinorVersion},
		Domain:          p.Domain,
		InterfaceName:   p.InterfaceName,
		ParticipantID:   p.ParticipantID,
		Qos:             ProviderQos{Scope: ScopeGlobal},
		LastSeenDateMs:  nowMs,
		ExpiryDateMs:    NoExpiry,
	}, MqttAddress{BrokerURI: p.BrokerURI, Topic: p.Topic})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if len(c.KnownGbids) == 0 {
		c.KnownGbids = []string{"joynrdefaultgbid"}
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.ProviderExpiryInterval <= 0 {
		c.ProviderExpiryInterval = DefaultProviderExpiryInterval
	}
	if c.FreshnessUpdateInterval <= 0 {
		c.FreshnessUpdateInterval = DefaultFreshnessUpdateInterval
	}
	if c.ReAddInterval <= 0 {
		c.ReAddInterval = DefaultReAddInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RemoveStaleMinBackoff <= 0 {
		c.RemoveStaleMinBackoff = DefaultRemoveStaleMinBackoff
	}
	if c.RemoveStaleMaxBackoff <= 0 {
		c.RemoveStaleMaxBackoff = DefaultRemoveStaleMaxBackoff
	}
	if c.RemoveStaleOnStart == nil {
		enabled := true
		c.RemoveStaleOnStart = &enabled
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if c.RemoveStaleMaxBackoff < c.RemoveStaleMinBackoff {
		return fmt.Errorf("capabilities.remove_stale_max_backoff must not be below remove_stale_min_backoff")
	}
	return nil
}

// DefaultGbid returns the first known GBID.
func (c *Config) DefaultGbid() string {
	if len(c.KnownGbids) == 0 {
		return ""
	}
	return c.KnownGbids[0]
}
