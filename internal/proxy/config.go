package proxy

import (
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/activity"
	"github.com/die-net/waypoint/internal/chain"
	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/dialer"
	"github.com/die-net/waypoint/internal/filters"
	"github.com/die-net/waypoint/internal/mitm"
	"github.com/die-net/waypoint/internal/resolve"
)

const defaultResolveTTL = time.Minute

type Config struct {
	// ConnectTimeout bounds how long a message waits for an in-flight
	// connection attempt.
	ConnectTimeout time.Duration
	// IdleTimeout disconnects either leg after this long without traffic.
	IdleTimeout        time.Duration
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration

	// Dialer opens direct connections to origins and HTTP chained proxies.
	Dialer dialer.Dialer
	// Chain picks the chained proxies for each new server connection. Nil
	// connects directly.
	Chain chain.Manager
	// Issuer, when set, intercepts CONNECT tunnels.
	Issuer   mitm.Issuer
	Resolver resolve.Resolver
	Filters  filters.Source
	Tracker  activity.Tracker

	// Via names this proxy in Via headers. It defaults to the host name.
	Via string

	Log logr.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = conn.DefaultConnectWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.DialTimeout})
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.NewCached(nil, defaultResolveTTL)
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.Passthrough
	}
	if cfg.Via == "" {
		cfg.Via = "waypoint"
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.Via = h
		}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	switch cfg.Tracker.(type) {
	case nil:
		cfg.Tracker = activity.Adapter{}
	case activity.Adapter, *activity.Trackers:
	default:
		// Trackers are called on the loop and the I/O goroutines; a panic
		// in one is logged there.
		cfg.Tracker = activity.NewTrackers(cfg.Log, cfg.Tracker)
	}
	return cfg
}
