// Package socks5 speaks the SOCKS5 handshake for socks5:// upstreams on top
// of the wire types in github.com/txthinking/socks5. The server half exists
// so tests can stand up a SOCKS5 upstream.
package socks5
