package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/die-net/waypoint/internal/activity"
	"github.com/die-net/waypoint/internal/chain"
	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/dialer"
	"github.com/die-net/waypoint/internal/filters"
	"github.com/die-net/waypoint/internal/flow"
	"github.com/die-net/waypoint/internal/msg"
)

// attempt is one try at connecting a serverConn through one chained proxy.
// It executes the steps of its flow.
type attempt struct {
	s           *serverConn
	initial     msg.Request
	slot        *slot
	filters     filters.Filters
	chained     chain.ChainedProxy
	fl          *flow.Flow
	ctx         context.Context
	cancel      context.CancelFunc
	httpChained bool
	respondedOK bool
	// readDone completes a step waiting on the server's reply if the read
	// fails instead.
	readDone func(error)
}

var _ flow.Executor = (*attempt)(nil)

func (s *serverConn) startAttempt(r msg.Request, sl *slot) {
	cfg := s.srv.cfg
	ctx, cancel := context.WithCancel(s.srv.ctx)
	a := &attempt{
		s:           s,
		initial:     r,
		slot:        sl,
		filters:     sl.filters,
		chained:     s.chained,
		ctx:         ctx,
		cancel:      cancel,
		httpChained: isHTTPChained(s.chained),
	}
	plan := flow.Plan{
		ChainedEncryption: !chain.IsDirect(s.chained) && s.chained.RequiresEncryption(),
		HTTPChained:       a.httpChained,
		Connect:           r.Method == http.MethodConnect,
		MITM:              cfg.Issuer != nil,
	}
	a.fl = flow.New(a, flow.Compose(plan), s.log.WithValues("via", s.chained.String()))
	s.att = a
	s.filters = sl.filters
	a.fl.Start()
}

// current reports whether a is still the attempt its serverConn is waiting
// on.
func (a *attempt) current() bool {
	return a.s.att == a && !a.fl.Done()
}

// call runs fn on the loop from a step's goroutine, unless a was superseded.
func (a *attempt) call(fn func()) error {
	stale := false
	if !a.s.loop.Call(func() {
		if !a.current() {
			stale = true
			return
		}
		fn()
	}) {
		return net.ErrClosed
	}
	if stale {
		return flow.ErrAborted
	}
	return nil
}

func (a *attempt) flowContext() activity.FullFlowContext {
	fc := activity.FullFlowContext{
		FlowContext:       a.s.client.flowContext(),
		ServerHostAndPort: a.s.hostPort,
	}
	if !chain.IsDirect(a.chained) {
		fc.ChainedProxy = a.chained.ChainedProxyAddress()
	}
	return fc
}

func (a *attempt) Become(leg flow.Leg, st conn.State) {
	if leg == flow.Client {
		a.s.client.m.Become(st)
		return
	}
	a.s.m.Become(st)
}

func (a *attempt) Post(fn func()) bool {
	return a.s.loop.Post(fn)
}

func (a *attempt) Execute(step flow.Step, done func(error)) {
	switch step.Kind {
	case flow.ConnectChannel:
		done(a.connectChannel())
	case flow.EncryptChannel:
		done(a.encryptChannel(step.Origin))
	case flow.ConnectViaChainedProxy:
		a.connectViaChainedProxy(done)
	case flow.MITMEncryptClient:
		done(a.encryptClient())
	case flow.StartTunneling:
		if step.Leg == flow.Client {
			a.s.client.startTunneling(a.s)
		} else {
			a.s.tunneling = true
		}
		done(nil)
	case flow.RespondConnectOK:
		a.respondedOK = true
		a.s.client.respondConnectOK(a.slot, done)
	default:
		done(fmt.Errorf("unknown step %s", step.Kind))
	}
}

// connectChannel dials the origin or chained proxy and attaches the
// connection to the serverConn.
func (a *attempt) connectChannel() error {
	nc, err := a.dial()
	if err != nil {
		return err
	}
	if err := a.call(func() { a.s.attach(a, nc) }); err != nil {
		_ = nc.Close()
		return err
	}
	return nil
}

func (a *attempt) dial() (net.Conn, error) {
	s := a.s
	cfg := s.srv.cfg
	cp := a.chained

	switch {
	case chain.IsDirect(cp):
		addr, err := a.resolve()
		if err != nil {
			return nil, err
		}
		if err := a.call(a.filters.ProxyToServerConnectionStarted); err != nil {
			return nil, err
		}
		return cfg.Dialer.DialContext(a.ctx, "tcp", addr)
	case cp.TransportProtocol() == chain.TCP:
		if err := a.call(a.filters.ProxyToServerConnectionStarted); err != nil {
			return nil, err
		}
		d := cfg.Dialer
		if local := cp.LocalAddress(); local != nil {
			d = dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.DialTimeout, LocalAddr: local})
		}
		return d.DialContext(a.ctx, "tcp", cp.ChainedProxyAddress())
	}

	d := cp.Dialer()
	if d == nil {
		return nil, fmt.Errorf("chained proxy %s has no dialer", cp)
	}
	if err := a.call(a.filters.ProxyToServerConnectionStarted); err != nil {
		return nil, err
	}
	return d.DialContext(a.ctx, "tcp", s.hostPort)
}

// resolve picks the address to dial directly, letting the filters supply
// one first.
func (a *attempt) resolve() (string, error) {
	s := a.s
	var (
		addr     string
		resolved bool
	)
	if err := a.call(func() {
		if ap, ok := a.filters.ProxyToServerResolutionStarted(s.hostPort); ok {
			addr, resolved = ap.String(), true
		}
	}); err != nil {
		return "", err
	}
	if resolved {
		return addr, nil
	}

	ap, err := s.srv.cfg.Resolver.Resolve(a.ctx, s.host, s.port)
	if err != nil {
		_ = a.call(func() { a.filters.ProxyToServerResolutionFailed(s.hostPort) })
		return "", err
	}
	if err := a.call(func() { a.filters.ProxyToServerResolutionSucceeded(s.hostPort, ap) }); err != nil {
		return "", err
	}
	return ap.String(), nil
}

// encryptChannel runs a TLS client handshake on the server transport, with
// the origin when origin is set and with the chained proxy otherwise.
func (a *attempt) encryptChannel(origin bool) error {
	s := a.s
	cfg := s.srv.cfg
	var (
		tr    *transport
		tlsCf *tls.Config
	)
	if err := a.call(func() {
		tr = s.tr
		if origin {
			tlsCf = cfg.Issuer.ServerConfig(s.host, s.port)
		} else {
			tlsCf = a.chained.NewTLSConfig()
		}
	}); err != nil {
		return err
	}
	if tr == nil {
		return net.ErrClosed
	}
	if tlsCf == nil {
		tlsCf = &tls.Config{}
	}
	if tlsCf.ServerName == "" && origin {
		tlsCf = tlsCf.Clone()
		tlsCf.ServerName = s.host
	}

	tc := tls.Client(&bufferedConn{Conn: tr.nc, r: tr.br}, tlsCf)
	if err := handshake(a.ctx, tc, cfg.NegotiationTimeout); err != nil {
		return fmt.Errorf("tls handshake with %s: %w", tlsCf.ServerName, err)
	}
	return a.call(func() {
		tr.nc = tc
		tr.br = bufio.NewReader(tc)
		tr.w.SetOutput(tc)
		if origin {
			s.tlsState = tc.ConnectionState()
		}
	})
}

// connectViaChainedProxy asks an HTTP chained proxy to open a tunnel. The
// step completes when the reply is passed to Flow.Read.
func (a *attempt) connectViaChainedProxy(done func(error)) {
	s := a.s
	tr := s.tr
	if tr == nil {
		done(net.ErrClosed)
		return
	}
	req := a.initial.Request
	req.Header.Del("Proxy-Authorization")
	a.chained.FilterRequest(req)

	a.readDone = done
	tr.rg.Switch(conn.Source{Mode: conn.ModeHTTP, Reader: tr.br})
	tr.w.Enqueue(encodeRequestHead(req, s.hostPort, framingNone), nil, func(err error) {
		if err != nil {
			done(err)
		}
	})
}

// encryptClient runs the TLS server handshake with the client using a
// certificate issued for the origin.
func (a *attempt) encryptClient() error {
	s := a.s
	c := s.client
	var (
		nc    net.Conn
		br    *bufio.Reader
		state tls.ConnectionState
	)
	if err := a.call(func() {
		nc, br, state = c.nc, c.br, s.tlsState
	}); err != nil {
		return err
	}
	tlsCf, err := s.srv.cfg.Issuer.ClientConfigFor(state, s.hostPort)
	if err != nil {
		return err
	}
	tc := tls.Server(&bufferedConn{Conn: nc, r: br}, tlsCf)
	if err := handshake(a.ctx, tc, s.srv.cfg.NegotiationTimeout); err != nil {
		return fmt.Errorf("tls handshake with client: %w", err)
	}
	return a.call(func() { c.startMITM(s, tc) })
}

func handshake(ctx context.Context, tc *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tc.HandshakeContext(ctx)
}

func (a *attempt) Succeeded(forward bool) {
	s := a.s
	s.log.V(1).Info("connected", "via", a.chained)
	s.m.Become(conn.AwaitingInitial)
	a.cancel()
	a.chained.ConnectionSucceeded()

	if tr := s.tr; tr != nil && tr.rg.Held() {
		mode := conn.ModeHTTP
		if s.tunneling {
			mode = conn.ModeRaw
		}
		tr.rg.Switch(conn.Source{Mode: mode, Reader: tr.br})
	}
	s.client.serverConnectionSucceeded(s, forward)
	if forward && a.initial.Method != http.MethodConnect {
		s.doWrite(a.initial, a.slot)
	}
	s.gate.Open()
}

// Failed falls back to the next chained proxy, if any, and disconnects
// otherwise.
func (a *attempt) Failed(err error) {
	s := a.s
	if s.att != a {
		return
	}
	logFailure(s.log, "connection attempt failed", err, "via", a.chained)
	a.cancel()
	s.closeTransport()
	s.tunneling = false
	a.chained.ConnectionFailed(err)

	switch {
	case a.respondedOK:
		// The client already has its 200; there is nothing to fall back to.
		s.disconnect()
		s.client.disconnect()
	case len(s.fallback) > 0:
		s.chained = s.fallback[0]
		s.fallback = s.fallback[1:]
		s.m.Become(conn.Disconnected)
		s.log.V(1).Info("retrying", "via", s.chained)
		s.startAttempt(a.initial, a.slot)
	default:
		s.disconnect()
	}
}
