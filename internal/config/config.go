package config

import "time"

// Config is the complete proxy configuration. Command-line flags override
// the file's values.
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	// ConnectTimeout bounds how long a request waits for an outbound
	// connection that is still being established.
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	// LocalAddress binds outbound connections to a local IP.
	LocalAddress string `yaml:"local_address"`
	// TCPKeepAlive is on, off or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `yaml:"tcp_keepalive"`
	ReusePort    bool   `yaml:"reuse_port"`

	MITM MITMConfig `yaml:"mitm"`

	// Upstreams are tried in order. Empty means connect directly.
	Upstreams []string  `yaml:"upstreams"`
	SSH       SSHConfig `yaml:"ssh"`

	TrafficLog string   `yaml:"traffic_log"`
	Block      []string `yaml:"block"`

	Log LogConfig `yaml:"log"`
}

type MITMConfig struct {
	Enabled bool   `yaml:"enabled"`
	CACert  string `yaml:"ca_cert"`
	CAKey   string `yaml:"ca_key"`
	// InsecureUpstream skips verification of origin certificates.
	InsecureUpstream bool `yaml:"insecure_upstream"`
}

type SSHConfig struct {
	// Key is a private key path or "agent".
	Key        string `yaml:"key"`
	KnownHosts string `yaml:"known_hosts"`
}

type LogConfig struct {
	// Format is auto, console or json.
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
}
