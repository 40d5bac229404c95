// Package config provides centralized configuration management for the
// ChainDCA daemon, covering storage drivers, queue drivers, execution policy,
// and outbound endpoints. Secrets such as the credential master key and the
// aggregator API key are referenced by environment variable name only and are
// never stored in the configuration file itself.
package config
