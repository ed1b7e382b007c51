package filters

import (
	"net/http"
	"net/netip"

	"github.com/die-net/waypoint/internal/msg"
)

// Chain combines sources. Their filters see every event in order; the first
// to answer a request wins, and each response filter receives the previous
// one's output.
func Chain(sources ...Source) Source {
	switch len(sources) {
	case 0:
		return Passthrough
	case 1:
		return sources[0]
	}
	return SourceFunc(func(req *http.Request) Filters {
		fs := make(chained, 0, len(sources))
		for _, s := range sources {
			if f := s.FilterRequest(req); f != nil {
				fs = append(fs, f)
			}
		}
		return fs
	})
}

type chained []Filters

func (c chained) ClientToProxyRequest(m msg.Message) *http.Response {
	for _, f := range c {
		if resp := f.ClientToProxyRequest(m); resp != nil {
			return resp
		}
	}
	return nil
}

func (c chained) ProxyToServerRequest(m msg.Message) *http.Response {
	for _, f := range c {
		if resp := f.ProxyToServerRequest(m); resp != nil {
			return resp
		}
	}
	return nil
}

func (c chained) ServerToProxyResponse(m msg.Message) msg.Message {
	for _, f := range c {
		if m = f.ServerToProxyResponse(m); m == nil {
			return nil
		}
	}
	return m
}

func (c chained) ProxyToClientResponse(m msg.Message) msg.Message {
	for _, f := range c {
		if m = f.ProxyToClientResponse(m); m == nil {
			return nil
		}
	}
	return m
}

func (c chained) ProxyToServerResolutionStarted(hostAndPort string) (netip.AddrPort, bool) {
	for _, f := range c {
		if addr, ok := f.ProxyToServerResolutionStarted(hostAndPort); ok {
			return addr, true
		}
	}
	return netip.AddrPort{}, false
}

func (c chained) ProxyToServerResolutionSucceeded(hostAndPort string, addr netip.AddrPort) {
	for _, f := range c {
		f.ProxyToServerResolutionSucceeded(hostAndPort, addr)
	}
}

func (c chained) ProxyToServerResolutionFailed(hostAndPort string) {
	for _, f := range c {
		f.ProxyToServerResolutionFailed(hostAndPort)
	}
}

func (c chained) each(fn func(Filters)) {
	for _, f := range c {
		fn(f)
	}
}

func (c chained) ProxyToServerRequestSending() {
	c.each(Filters.ProxyToServerRequestSending)
}

func (c chained) ProxyToServerRequestSent() {
	c.each(Filters.ProxyToServerRequestSent)
}

func (c chained) ServerToProxyResponseTimedOut() {
	c.each(Filters.ServerToProxyResponseTimedOut)
}

func (c chained) ServerToProxyResponseReceiving() {
	c.each(Filters.ServerToProxyResponseReceiving)
}

func (c chained) ServerToProxyResponseReceived() {
	c.each(Filters.ServerToProxyResponseReceived)
}

func (c chained) ProxyToServerConnectionQueued() {
	c.each(Filters.ProxyToServerConnectionQueued)
}

func (c chained) ProxyToServerConnectionStarted() {
	c.each(Filters.ProxyToServerConnectionStarted)
}

func (c chained) ProxyToServerConnectionSSLHandshakeStarted() {
	c.each(Filters.ProxyToServerConnectionSSLHandshakeStarted)
}

func (c chained) ProxyToServerConnectionFailed() {
	c.each(Filters.ProxyToServerConnectionFailed)
}

func (c chained) ProxyToServerConnectionSucceeded() {
	c.each(Filters.ProxyToServerConnectionSucceeded)
}
