package chain

import (
	"crypto/tls"
	"net"
	"net/http"

	"github.com/die-net/waypoint/internal/dialer"
)

// TransportProtocol is how the proxy reaches a chained proxy.
type TransportProtocol int

const (
	// TCP connects to the chained proxy and speaks HTTP to it.
	TCP TransportProtocol = iota
	// SOCKS5 tunnels a stream to the origin through a SOCKS5 server.
	SOCKS5
	// SSH tunnels a stream to the origin over an SSH connection.
	SSH
)

func (p TransportProtocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case SOCKS5:
		return "socks5"
	case SSH:
		return "ssh"
	default:
		return "unknown"
	}
}

// ChainedProxy is one candidate route to the origin.
type ChainedProxy interface {
	TransportProtocol() TransportProtocol
	// ChainedProxyAddress is the host:port of the chained proxy. It is empty
	// for Direct.
	ChainedProxyAddress() string
	// LocalAddress, if non-nil, is the address outbound connections bind to.
	LocalAddress() net.Addr
	// RequiresEncryption reports whether the connection to the chained proxy
	// runs over TLS, configured by NewTLSConfig.
	RequiresEncryption() bool
	NewTLSConfig() *tls.Config
	// FilterRequest adjusts a request before it is sent to the chained proxy,
	// for example to add credentials.
	FilterRequest(req *http.Request)
	// Dialer opens streams to the origin for the SOCKS5 and SSH transports.
	// It is nil for TCP.
	Dialer() dialer.Dialer

	ConnectionSucceeded()
	ConnectionFailed(err error)
	Disconnected()

	String() string
}

// Manager supplies the candidates for a new server connection. An empty list
// means the request has no route.
type Manager interface {
	LookupChainedProxies(req *http.Request) []ChainedProxy
}

// ManagerFunc adapts a function to a Manager.
type ManagerFunc func(req *http.Request) []ChainedProxy

func (f ManagerFunc) LookupChainedProxies(req *http.Request) []ChainedProxy {
	return f(req)
}

// Direct is the candidate that connects straight to the origin.
var Direct ChainedProxy = direct{}

// IsDirect reports whether cp connects to the origin itself.
func IsDirect(cp ChainedProxy) bool {
	return cp == nil || cp == Direct
}

type direct struct{}

func (direct) TransportProtocol() TransportProtocol { return TCP }
func (direct) ChainedProxyAddress() string          { return "" }
func (direct) LocalAddress() net.Addr               { return nil }
func (direct) RequiresEncryption() bool             { return false }
func (direct) NewTLSConfig() *tls.Config            { return nil }
func (direct) FilterRequest(*http.Request)          {}
func (direct) Dialer() dialer.Dialer                { return nil }
func (direct) ConnectionSucceeded()                 {}
func (direct) ConnectionFailed(error)               {}
func (direct) Disconnected()                        {}
func (direct) String() string                       { return "direct://" }
