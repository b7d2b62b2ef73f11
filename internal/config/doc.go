// Package config loads and validates worker configuration from TOML with
// environment overrides for credentials.
package config
