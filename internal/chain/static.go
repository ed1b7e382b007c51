package chain

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
)

// DefaultCooldown is how long a failed upstream is tried after the others.
const DefaultCooldown = 30 * time.Second

// Static is a Manager returning a fixed, replaceable list of upstreams.
// Upstreams that failed recently are moved behind the healthy ones until
// their cooldown expires.
type Static struct {
	mu       sync.RWMutex
	proxies  []ChainedProxy
	failures *cache.Cache
	log      logr.Logger
}

var _ Manager = (*Static)(nil)

func NewStatic(cooldown time.Duration, log logr.Logger, proxies ...ChainedProxy) *Static {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Static{
		proxies:  proxies,
		failures: cache.New(cooldown, 2*cooldown),
		log:      log,
	}
}

// Set replaces the upstream list. Connections already holding candidates
// from the old list keep using them.
func (s *Static) Set(proxies []ChainedProxy) {
	s.mu.Lock()
	s.proxies = proxies
	s.mu.Unlock()

	s.log.Info("Upstreams updated", "count", len(proxies))
}

// Close releases the transports of the current upstreams.
func (s *Static) Close() error {
	s.mu.Lock()
	proxies := s.proxies
	s.proxies = nil
	s.mu.Unlock()

	closeAll(proxies)
	return nil
}

// Proxies returns the configured list.
func (s *Static) Proxies() []ChainedProxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChainedProxy(nil), s.proxies...)
}

// LookupChainedProxies returns the upstreams in configured order, healthy
// ones first. The caller owns the returned slice.
func (s *Static) LookupChainedProxies(*http.Request) []ChainedProxy {
	s.mu.RLock()
	proxies := s.proxies
	s.mu.RUnlock()

	healthy := make([]ChainedProxy, 0, len(proxies))
	var cooling []ChainedProxy
	for _, cp := range proxies {
		if IsDirect(cp) {
			healthy = append(healthy, cp)
			continue
		}
		t := &tracked{ChainedProxy: cp, s: s}
		if _, failed := s.failures.Get(cp.String()); failed {
			cooling = append(cooling, t)
			continue
		}
		healthy = append(healthy, t)
	}
	return append(healthy, cooling...)
}

// tracked reports a candidate's outcome back to the Static that handed it
// out.
type tracked struct {
	ChainedProxy
	s *Static
}

func (t *tracked) ConnectionSucceeded() {
	t.s.failures.Delete(t.String())
	t.ChainedProxy.ConnectionSucceeded()
}

func (t *tracked) ConnectionFailed(err error) {
	t.s.failures.SetDefault(t.String(), err)
	t.s.log.V(1).Info("Upstream failed", "upstream", t.String(), "error", err.Error())
	t.ChainedProxy.ConnectionFailed(err)
}
