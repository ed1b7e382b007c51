// Package proxy implements the HTTP forward proxy.
//
// Each accepted client connection gets one conn.Loop shared with every server
// connection it opens. Client requests are parsed by a reader goroutine,
// passed through the configured filters and written to a server connection
// keyed by target host and port, which is established by a flow: dial,
// optional TLS with a chained proxy, then either plain HTTP forwarding, a
// CONNECT tunnel, or a man-in-the-middle TLS session with the client.
// Responses are relayed to the client in request order.
package proxy
