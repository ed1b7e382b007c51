package chain

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/die-net/waypoint/internal/dialer"
)

// Options configure the upstreams built by Parse.
type Options struct {
	Dialer dialer.Config
	// TLS is the base client configuration for https:// upstreams.
	TLS *tls.Config
}

// Upstream is a chained proxy configured by URL.
type Upstream struct {
	u         *url.URL
	transport TransportProtocol
	local     net.Addr
	auth      string
	tls       *tls.Config
	dialer    dialer.Dialer
}

// Parse builds a candidate from an upstream URL. direct:// yields Direct;
// http:// and https:// chain over TCP; socks5:// and ssh:// tunnel through a
// dialer.
func Parse(ctx context.Context, opts Options, rawURL string) (ChainedProxy, error) {
	u, err := dialer.ParseUpstream(rawURL)
	if err != nil {
		return nil, err
	}

	up := &Upstream{u: u, local: opts.Dialer.LocalAddr}

	switch u.Scheme {
	case "direct":
		return Direct, nil
	case "http", "https":
		up.transport = TCP
		if u.User != nil {
			pass, _ := u.User.Password()
			up.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
		}
		if u.Scheme == "https" {
			up.tls = &tls.Config{MinVersion: tls.VersionTLS12}
			if opts.TLS != nil {
				up.tls = opts.TLS.Clone()
			}
			up.tls.ServerName = u.Hostname()
		}
	case "socks5", "ssh":
		up.transport = SOCKS5
		if u.Scheme == "ssh" {
			up.transport = SSH
		}
		if up.dialer, err = dialer.New(ctx, opts.Dialer, rawURL); err != nil {
			return nil, err
		}
	}
	return up, nil
}

// ParseAll parses every URL, stopping at the first error.
func ParseAll(ctx context.Context, opts Options, rawURLs []string) ([]ChainedProxy, error) {
	proxies := make([]ChainedProxy, 0, len(rawURLs))
	for _, raw := range rawURLs {
		cp, err := Parse(ctx, opts, raw)
		if err != nil {
			closeAll(proxies)
			return nil, fmt.Errorf("upstream %q: %w", raw, err)
		}
		proxies = append(proxies, cp)
	}
	return proxies, nil
}

func (p *Upstream) TransportProtocol() TransportProtocol {
	return p.transport
}

func (p *Upstream) ChainedProxyAddress() string {
	return p.u.Host
}

func (p *Upstream) LocalAddress() net.Addr {
	return p.local
}

func (p *Upstream) RequiresEncryption() bool {
	return p.tls != nil
}

func (p *Upstream) NewTLSConfig() *tls.Config {
	if p.tls == nil {
		return nil
	}
	return p.tls.Clone()
}

func (p *Upstream) FilterRequest(req *http.Request) {
	if p.auth != "" && p.transport == TCP {
		req.Header.Set("Proxy-Authorization", p.auth)
	}
}

func (p *Upstream) Dialer() dialer.Dialer {
	return p.dialer
}

func (p *Upstream) ConnectionSucceeded() {}

func (p *Upstream) ConnectionFailed(error) {}

func (p *Upstream) Disconnected() {}

// String returns the URL with any password redacted.
func (p *Upstream) String() string {
	return p.u.Redacted()
}

// Close releases the upstream's shared transport, if it has one.
func (p *Upstream) Close() error {
	if c, ok := p.dialer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeAll(proxies []ChainedProxy) {
	for _, cp := range proxies {
		if c, ok := cp.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
