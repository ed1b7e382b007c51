// Package testutil holds fake upstreams and origins shared by the proxy's
// tests.
package testutil
