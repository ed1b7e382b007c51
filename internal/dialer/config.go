package dialer

import (
	"net"
	"time"

	"github.com/go-logr/logr"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// LocalAddr, if set, is the local address outbound connections bind to.
	LocalAddr net.Addr

	SSHKeyPath        string
	SSHKnownHostsPath string

	Log logr.Logger
}
