// Package filters defines the callbacks a proxied exchange reports to, and
// the places where a filter may rewrite or answer it.
package filters

import (
	"net/http"
	"net/netip"

	"github.com/die-net/waypoint/internal/msg"
)

// Filters observes one client request and its response. All methods are
// called on the client connection's loop.
//
// ClientToProxyRequest and ProxyToServerRequest may return a response, in
// which case the request is not sent upstream and the response is relayed to
// the client instead. ServerToProxyResponse and ProxyToClientResponse return
// the message to relay; returning nil disconnects the exchange.
type Filters interface {
	ClientToProxyRequest(m msg.Message) *http.Response
	ProxyToServerRequest(m msg.Message) *http.Response
	ProxyToServerRequestSending()
	ProxyToServerRequestSent()
	ServerToProxyResponse(m msg.Message) msg.Message
	ServerToProxyResponseTimedOut()
	ServerToProxyResponseReceiving()
	ServerToProxyResponseReceived()
	ProxyToClientResponse(m msg.Message) msg.Message
	ProxyToServerConnectionQueued()
	// ProxyToServerResolutionStarted may return an address to connect to
	// instead of resolving hostAndPort.
	ProxyToServerResolutionStarted(hostAndPort string) (netip.AddrPort, bool)
	ProxyToServerResolutionFailed(hostAndPort string)
	ProxyToServerResolutionSucceeded(hostAndPort string, addr netip.AddrPort)
	ProxyToServerConnectionStarted()
	ProxyToServerConnectionSSLHandshakeStarted()
	ProxyToServerConnectionFailed()
	ProxyToServerConnectionSucceeded()
}

// Source creates the Filters for each request a client sends.
type Source interface {
	FilterRequest(req *http.Request) Filters
}

// SourceFunc adapts a function to Source.
type SourceFunc func(req *http.Request) Filters

func (f SourceFunc) FilterRequest(req *http.Request) Filters {
	return f(req)
}

// Adapter implements Filters by passing everything through unchanged. Embed
// it to override only some callbacks.
type Adapter struct{}

var _ Filters = Adapter{}

func (Adapter) ClientToProxyRequest(msg.Message) *http.Response         { return nil }
func (Adapter) ProxyToServerRequest(msg.Message) *http.Response         { return nil }
func (Adapter) ProxyToServerRequestSending()                            {}
func (Adapter) ProxyToServerRequestSent()                               {}
func (Adapter) ServerToProxyResponse(m msg.Message) msg.Message         { return m }
func (Adapter) ServerToProxyResponseTimedOut()                          {}
func (Adapter) ServerToProxyResponseReceiving()                         {}
func (Adapter) ServerToProxyResponseReceived()                          {}
func (Adapter) ProxyToClientResponse(m msg.Message) msg.Message         { return m }
func (Adapter) ProxyToServerConnectionQueued()                          {}
func (Adapter) ProxyToServerResolutionFailed(string)                    {}
func (Adapter) ProxyToServerResolutionSucceeded(string, netip.AddrPort) {}
func (Adapter) ProxyToServerConnectionStarted()                         {}
func (Adapter) ProxyToServerConnectionSSLHandshakeStarted()             {}
func (Adapter) ProxyToServerConnectionFailed()                          {}
func (Adapter) ProxyToServerConnectionSucceeded()                       {}

func (Adapter) ProxyToServerResolutionStarted(string) (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}

// Passthrough is a Source handing out Adapters.
var Passthrough Source = SourceFunc(func(*http.Request) Filters { return Adapter{} })
