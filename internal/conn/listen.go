package conn

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections. With reusePort
// set, several processes may listen on the same address where the platform
// allows it.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = setReusePort(fd) }); err != nil {
				return err
			}
			return serr
		}
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return c, nil
}
