package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/capabilities/remote"
	"github.com/kbukum/capdir/capabilities/remote/consul"
	"github.com/kbukum/capdir/config"
	"github.com/kbukum/capdir/observability"
	"github.com/kbukum/capdir/routing"
	"github.com/kbukum/capdir/server"
)

// Config is the capdir configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	// ClusterControllerID owns this node's records in the global directory.
	// It must survive restarts for stale-provider cleanup to find them.
	ClusterControllerID string `yaml:"cluster_controller_id" mapstructure:"cluster_controller_id"`
	// UnregisterOnShutdown removes every global provider from the global
	// directory on shutdown.
	UnregisterOnShutdown bool `yaml:"unregister_on_shutdown" mapstructure:"unregister_on_shutdown"`

	Capabilities  capabilities.Config  `yaml:"capabilities" mapstructure:"capabilities"`
	Remote        remote.Config        `yaml:"remote" mapstructure:"remote"`
	Consul        consul.Config        `yaml:"consul" mapstructure:"consul"`
	Transport     TransportConfig      `yaml:"transport" mapstructure:"transport"`
	Routing       RoutingConfig        `yaml:"routing" mapstructure:"routing"`
	Server        server.Config        `yaml:"server" mapstructure:"server"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// TransportConfig is the MQTT address other nodes reach this node's
// providers at.
type TransportConfig struct {
	// BrokerURI defaults to the first known GBID.
	BrokerURI string `yaml:"broker_uri" mapstructure:"broker_uri"`
	Topic     string `yaml:"topic" mapstructure:"topic"`
}

// Address returns the configured MQTT address.
func (c TransportConfig) Address() capabilities.MqttAddress {
	return capabilities.MqttAddress{BrokerURI: c.BrokerURI, Topic: c.Topic}
}

// RoutingConfig configures the routing table.
type RoutingConfig struct {
	PurgeInterval time.Duration `yaml:"purge_interval" mapstructure:"purge_interval"`
}

// ApplyDefaults fills unset fields. Values shared between sections are
// taken from capabilities and the top level.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "capdir"
	}
	c.ServiceConfig.ApplyDefaults()

	if c.ClusterControllerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.ClusterControllerID = host
		}
	}
	c.Capabilities.ApplyDefaults()

	if c.Remote.ClusterControllerID == "" {
		c.Remote.ClusterControllerID = c.ClusterControllerID
	}
	if len(c.Remote.KnownGbids) == 0 {
		c.Remote.KnownGbids = slices.Clone(c.Capabilities.KnownGbids)
	}
	c.Remote.ApplyDefaults()
	if c.Remote.Provider == remote.ProviderConsul {
		c.Consul.ApplyDefaults()
	}

	if c.Transport.BrokerURI == "" {
		c.Transport.BrokerURI = c.Capabilities.DefaultGbid()
	}
	if c.Transport.Topic == "" {
		c.Transport.Topic = c.ClusterControllerID + "/replyto"
	}

	if c.Routing.PurgeInterval <= 0 {
		c.Routing.PurgeInterval = routing.DefaultPurgeInterval
	}

	c.Server.ApplyDefaults()
	c.Observability.ApplyDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if c.ClusterControllerID == "" {
		return fmt.Errorf("cluster_controller_id is required")
	}
	if err := c.Capabilities.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	for _, gbid := range c.Remote.KnownGbids {
		if !slices.Contains(c.Capabilities.KnownGbids, gbid) {
			return fmt.Errorf("remote.known_gbids: %q is not in capabilities.known_gbids", gbid)
		}
	}
	if c.Remote.Provider == remote.ProviderConsul {
		if err := c.Consul.Validate(); err != nil {
			return fmt.Errorf("consul: %w", err)
		}
	}
	if !slices.Contains(c.Capabilities.KnownGbids, c.Transport.BrokerURI) {
		return fmt.Errorf("transport.broker_uri %q is not a known gbid", c.Transport.BrokerURI)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
