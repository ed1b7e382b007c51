// Package dialer opens the transport connections server connections run
// over: direct TCP, or a TCP stream tunneled through a SOCKS5 or SSH
// upstream.
package dialer
