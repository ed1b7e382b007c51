package testutil

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync/atomic"
	"testing"
)

type HTTPProxyOptions struct {
	// Username and Password, when set, are required in Proxy-Authorization.
	Username string
	Password string
	// TLS, when set, serves the proxy over TLS.
	TLS *tls.Config
}

// HTTPProxy is a forward proxy used as a chained upstream in tests.
type HTTPProxy struct {
	Addr string

	requests atomic.Int64
	connects atomic.Int64

	ctx  context.Context
	opts HTTPProxyOptions
	rp   *httputil.ReverseProxy
}

// StartHTTPProxy serves CONNECT by hijacking and relaying, and absolute-form
// requests through httputil.ReverseProxy.
func StartHTTPProxy(t *testing.T, ctx context.Context, opts HTTPProxyOptions) *HTTPProxy {
	t.Helper()

	ln := listen(t, ctx)
	p := &HTTPProxy{Addr: ln.Addr().String(), ctx: ctx, opts: opts, rp: newReverseProxy()}

	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(p.handle),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return p
}

// Requests counts the non-CONNECT requests proxied.
func (p *HTTPProxy) Requests() int64 {
	return p.requests.Load()
}

// Connects counts the CONNECT tunnels opened.
func (p *HTTPProxy) Connects() int64 {
	return p.connects.Load()
}

func (p *HTTPProxy) handle(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="test"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}
	r.Header.Del("Proxy-Authorization")

	if strings.EqualFold(r.Method, http.MethodConnect) {
		p.connects.Add(1)
		p.handleConnect(w, r)
		return
	}
	p.requests.Add(1)
	p.rp.ServeHTTP(w, r)
}

func (p *HTTPProxy) authorized(r *http.Request) bool {
	if p.opts.Username == "" {
		return true
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(p.opts.Username+":"+p.opts.Password))
	return r.Header.Get("Proxy-Authorization") == want
}

func (p *HTTPProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	_ = brw.Flush()

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	d := net.Dialer{}
	serverConn, err := d.DialContext(p.ctx, "tcp", target)
	if err != nil {
		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = brw.Flush()

	_ = Relay(p.ctx, clientConn, serverConn)
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

func newReverseProxy() *httputil.ReverseProxy {
	rewrite := func(pr *httputil.ProxyRequest) {
		u := *pr.In.URL
		if u.Scheme == "" {
			u.Scheme = "http"
		}
		if u.Host == "" {
			u.Host = pr.In.Host
		}
		pr.Out.URL = &u
		pr.Out.Host = u.Host
	}

	errHandler := func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Rewrite:      rewrite,
		ErrorHandler: errHandler,
	}
}
