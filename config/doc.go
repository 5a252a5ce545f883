// Package config provides configuration loading and validation for capdir.
//
// It uses Viper to load config.yml, godotenv to load .env files, and binds
// every environment variable to the matching nested key, so
// CAPABILITIES_KNOWN_GBIDS overrides capabilities.known_gbids.
//
// # Usage
//
//	var cfg app.Config
//	if err := config.LoadConfig("capdir", &cfg); err != nil { ... }
//	cfg.ApplyDefaults()
//	if err := cfg.Validate(); err != nil { ... }
package config
