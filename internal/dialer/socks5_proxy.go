package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/waypoint/internal/socks5"
)

// SOCKS5ProxyDialer connects to targets through a SOCKS5 server.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	// Unblock the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if err := socks5.ClientDial(conn, f.auth, address); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("socks5 proxy dial %s via %s: %w", address, f.proxyAddr, err)
	}

	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
