package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/die-net/waypoint/internal/socks5"
)

// StartSOCKS5Server runs a SOCKS5 upstream that dials CONNECT targets
// directly. A non-empty auth.Username makes credentials mandatory.
func StartSOCKS5Server(t *testing.T, ctx context.Context, auth socks5.Auth) net.Listener {
	t.Helper()

	return StartServer(t, ctx, func(c net.Conn) {
		if err := socks5.ServerNegotiate(c, auth); err != nil {
			return
		}
		req, err := socks5.ServerReadRequest(c)
		if err != nil || req.Cmd != socks5.CmdConnect {
			return
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", req.Address())
		if err != nil {
			socks5.WriteConnectionRefusedReply(c, req.Atyp)
			return
		}
		if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
			_ = dst.Close()
			return
		}
		_ = Relay(ctx, c, dst)
	})
}
