// Package config provides configuration loading and validation for the
// voice engine. It handles YAML-based configuration with struct
// validation and environment variable overrides for deployment-specific
// settings.
package config
