package filters

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/die-net/waypoint/internal/msg"
)

// BlockHosts is a Source that answers requests for the listed hosts, and
// their subdomains, with 403 Forbidden instead of forwarding them.
func BlockHosts(hosts []string) Source {
	blocked := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		blocked[strings.ToLower(strings.TrimSuffix(h, "."))] = struct{}{}
	}
	return SourceFunc(func(req *http.Request) Filters {
		if !isBlocked(blocked, requestHost(req)) {
			return Adapter{}
		}
		return blockFilter{}
	})
}

type blockFilter struct {
	Adapter
}

func (blockFilter) ClientToProxyRequest(m msg.Message) *http.Response {
	req, ok := m.(msg.Request)
	if !ok {
		return nil
	}
	body := "Blocked by proxy policy\n"
	return &http.Response{
		StatusCode:    http.StatusForbidden,
		Status:        "403 Forbidden",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       req.Request,
	}
}

func isBlocked(blocked map[string]struct{}, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for host != "" {
		if _, ok := blocked[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}

func requestHost(req *http.Request) string {
	hostPort := req.Host
	if hostPort == "" && req.URL != nil {
		hostPort = req.URL.Host
	}
	if host, _, err := net.SplitHostPort(hostPort); err == nil {
		return host
	}
	return hostPort
}
