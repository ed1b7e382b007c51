package proxy

import (
	"bufio"
	"net"
)

// bufferedConn reads through r, which may already hold bytes read from the
// embedded Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
