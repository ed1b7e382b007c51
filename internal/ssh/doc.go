// Package ssh sets up the SSH transports used by ssh:// upstreams. Target
// connections are opened as "direct-tcpip" channels over one shared client,
// the same way `ssh -W` forwards a connection.
package ssh
