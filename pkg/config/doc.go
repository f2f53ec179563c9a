// Package config loads daemon configuration from BEACON_* environment
// variables, with defaults suitable for a single-node deployment.
package config
