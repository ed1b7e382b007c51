// Package chain decides which upstream proxies a request is sent through.
//
// A Manager returns an ordered list of candidates for each new server
// connection. The connection tries them head first, moving to the next one
// when a candidate fails, and gives up with a 502 once the list is exhausted.
package chain
