// Package config loads the proxy's YAML configuration file, fills in
// defaults and validates the result.
package config
