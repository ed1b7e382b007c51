// Package resolve turns target host names into addresses to dial.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Resolver resolves a host and port to one address.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (netip.AddrPort, error)
}

// Lookuper is the part of *net.Resolver that Cached needs.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Cached resolves through a Lookuper, remembering answers for a TTL and
// collapsing concurrent lookups of the same name into one.
type Cached struct {
	lookup Lookuper
	cache  *cache.Cache
	group  singleflight.Group
}

var _ Resolver = (*Cached)(nil)

// NewCached returns a Cached resolver. A nil lookup uses net.DefaultResolver
// and a non-positive ttl disables caching.
func NewCached(lookup Lookuper, ttl time.Duration) *Cached {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	c := &Cached{lookup: lookup}
	if ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

func (c *Cached) Resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: invalid port %d", host, port)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}

	if c.cache != nil {
		if v, ok := c.cache.Get(host); ok {
			return netip.AddrPortFrom(v.(netip.Addr), uint16(port)), nil
		}
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		addrs, err := c.lookup.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		addr := pick(addrs)
		if c.cache != nil {
			c.cache.SetDefault(host, addr)
		}
		return addr, nil
	})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return netip.AddrPortFrom(v.(netip.Addr), uint16(port)), nil
}

// pick prefers IPv4, which works on more networks.
func pick(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
	}
	return addrs[0]
}

// SplitHostPort splits a host:port target, using defaultPort when the port
// is missing.
func SplitHostPort(hostPort string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		// No port; hostPort may still be a bracketed IPv6 literal.
		if len(hostPort) > 1 && hostPort[0] == '[' && hostPort[len(hostPort)-1] == ']' {
			return hostPort[1 : len(hostPort)-1], defaultPort, nil
		}
		if hostPort == "" || net.ParseIP(hostPort) == nil && strings.Contains(hostPort, ":") {
			return "", 0, fmt.Errorf("invalid host %q: %w", hostPort, err)
		}
		return hostPort, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid host %q: empty host", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", hostPort)
	}
	return host, port, nil
}

