package bootstrap

import "github.com/kbukum/capdir/config"

// Config is satisfied by any pointer to a struct embedding
// config.ServiceConfig that adds its own ApplyDefaults and Validate.
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}
