package config

import (
	"time"

	"github.com/die-net/waypoint/internal/conn"
)

const (
	DefaultListen             = "127.0.0.1:8080"
	DefaultDialTimeout        = 10 * time.Second
	DefaultIdleTimeout        = 70 * time.Second
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultTCPKeepAlive       = "45:45:3"
	DefaultLogFormat          = "auto"
)

// ApplyDefaults fills in every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = conn.DefaultConnectWait
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.TCPKeepAlive == "" {
		cfg.TCPKeepAlive = DefaultTCPKeepAlive
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
