package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"slices"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/chain"
	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/filters"
	"github.com/die-net/waypoint/internal/msg"
	"github.com/die-net/waypoint/internal/resolve"
)

// transport is one established connection to a server or chained proxy.
type transport struct {
	// raw is the dialed connection; nc may be a TLS session over it.
	raw  net.Conn
	nc   net.Conn
	br   *bufio.Reader
	w    *conn.Writer
	rg   *conn.ReadGate
	idle *conn.IdleTimer
}

func (t *transport) close() {
	t.idle.Stop()
	t.rg.Close()
	t.w.Close()
	_ = t.raw.Close()
}

// serverConn is the proxy's connection to one target host:port on behalf of
// one client connection. It runs on the client's loop.
type serverConn struct {
	client   *clientConn
	srv      *Server
	loop     *conn.Loop
	log      logr.Logger
	hostPort string
	host     string
	port     int
	m        *conn.Machine
	gate     conn.Gate

	chained  chain.ChainedProxy
	fallback []chain.ChainedProxy
	att      *attempt
	tr       *transport
	tlsState tls.ConnectionState

	// filters belong to the exchange in progress.
	filters filters.Filters
	// pending holds the slots of requests written and not yet answered, in
	// order; current is the slot whose response body is being read.
	pending []*slot
	current *slot

	reqFraming   framing
	closeAfter   bool
	deferred     int
	tunneling    bool
	pausedClient bool
}

func newServerConn(c *clientConn, hostPort string, sl *slot) (*serverConn, error) {
	host, port, err := resolve.SplitHostPort(hostPort, 80)
	if err != nil {
		return nil, err
	}

	candidates := []chain.ChainedProxy{chain.Direct}
	if mgr := c.srv.cfg.Chain; mgr != nil {
		candidates = slices.Clone(mgr.LookupChainedProxies(sl.req))
		if sl.connect && c.srv.cfg.Issuer != nil {
			// Interception needs a byte stream to the origin, which an HTTP
			// proxy only offers after a CONNECT of its own.
			candidates = slices.DeleteFunc(candidates, isHTTPChained)
		}
		if len(candidates) == 0 {
			return nil, errNoRoute
		}
	}
	for i, cp := range candidates {
		if cp == nil {
			candidates[i] = chain.Direct
		}
	}

	s := &serverConn{
		client:   c,
		srv:      c.srv,
		loop:     c.loop,
		log:      c.log.WithValues("target", hostPort),
		hostPort: hostPort,
		host:     host,
		port:     port,
		chained:  candidates[0],
		fallback: candidates[1:],
		filters:  sl.filters,
	}
	s.m = conn.NewMachine(conn.Disconnected, s)
	sl.filters.ProxyToServerConnectionQueued()
	return s, nil
}

func isHTTPChained(cp chain.ChainedProxy) bool {
	return !chain.IsDirect(cp) && cp.TransportProtocol() == chain.TCP
}

// write sends m, part of the exchange in sl, connecting first if needed.
func (s *serverConn) write(m msg.Message, sl *slot) {
	switch {
	case s.m.Is(conn.Disconnected):
		if r, ok := m.(msg.Request); ok {
			s.connectAndWrite(r, sl)
			return
		}
		s.log.V(1).Info("dropping message for closed server connection")
	case s.m.IsConnecting() || s.deferred > 0:
		s.deferWrite(m, sl)
	default:
		s.doWrite(m, sl)
	}
}

func (s *serverConn) connectAndWrite(r msg.Request, sl *slot) {
	s.log.V(1).Info("connecting", "via", s.chained)
	s.gate.Reset()
	s.startAttempt(r, sl)
}

// deferWrite holds m until the connection attempt in progress resolves.
// The client stops reading meanwhile.
func (s *serverConn) deferWrite(m msg.Message, sl *slot) {
	msg.Retain(m)
	s.deferred++
	s.client.stopReading()
	s.gate.Wait(s.srv.cfg.ConnectTimeout, func(timedOut bool) {
		if !s.loop.Post(func() {
			s.deferred--
			s.client.resumeReading()
			s.writeAfterConnect(m, sl, timedOut)
			msg.Release(m)
		}) {
			msg.Release(m)
		}
	})
}

func (s *serverConn) writeAfterConnect(m msg.Message, sl *slot, timedOut bool) {
	switch {
	case sl != nil && sl.server != s:
		// The proxy already answered this exchange.
		s.log.V(1).Info("dropping message for abandoned request")
	case timedOut:
		s.log.Info("dropping message", "err", errConnectTimeout)
		if _, ok := m.(msg.Request); ok && sl != nil {
			s.client.respondError(sl, http.StatusGatewayTimeout, s.hostPort)
		}
	case s.m.IsConnecting(), s.m.Is(conn.Disconnected):
		s.log.V(1).Info("dropping message after failed connection attempt")
	default:
		s.doWrite(m, sl)
	}
}

func (s *serverConn) doWrite(m msg.Message, sl *slot) {
	tr := s.tr
	if tr == nil {
		return
	}
	switch v := m.(type) {
	case msg.Request:
		if s.tunneling {
			s.log.V(1).Info("not writing request into tunnel", "method", v.Method)
			return
		}
		v.Header.Del("Proxy-Authorization")
		s.chained.FilterRequest(v.Request)
		s.filters = sl.filters
		s.pending = append(s.pending, sl)
		s.reqFraming = requestFraming(v)

		sl.filters.ProxyToServerRequestSending()
		target := requestTarget(v.Request, s.hostPort, s.att.httpChained)
		tr.w.Enqueue(encodeRequestHead(v.Request, target, s.reqFraming), nil, s.sent(sl, !v.HasBody))
		s.srv.cfg.Tracker.RequestSentToServer(s.att.flowContext(), v.Request)
	case msg.Chunk:
		writeChunk(tr.w, s.reqFraming, v, s.sent(sl, v.Last))
	case msg.Raw:
		tr.w.Enqueue(msg.Bytes(v), msg.ReleaseFunc(msg.Retain(v)), nil)
	}
}

// sent returns the write callback for the end of sl's request.
func (s *serverConn) sent(sl *slot, last bool) func(error) {
	if !last || sl == nil {
		return nil
	}
	f := sl.filters
	return func(err error) {
		if err == nil {
			s.loop.Post(f.ProxyToServerRequestSent)
		}
	}
}

// attach takes over nc, dialed by a. Its reader starts held until the flow
// decides what the server speaks.
func (s *serverConn) attach(a *attempt, nc net.Conn) {
	tracker := s.srv.cfg.Tracker
	tr := &transport{raw: nc, nc: nc}
	tr.idle = conn.NewIdleTimer(s.srv.cfg.IdleTimeout, s.onTransport(tr, s.timedOut))
	tr.br = bufio.NewReader(&countingReader{r: nc, fn: func(n int) {
		tr.idle.Touch()
		tracker.BytesReceivedFromServer(a.flowContext(), n)
	}})
	tr.rg = conn.NewReadGate(conn.Source{Mode: conn.ModeHTTP, Reader: tr.br})
	tr.rg.Hold()
	wrote := func(n int) {
		tr.idle.Touch()
		tracker.BytesSentToServer(a.flowContext(), n)
	}
	tr.w = conn.NewWriter(nc, 0, 0, conn.WriterEvents{
		Saturated: s.onTransport(tr, s.becameSaturated),
		Writable:  s.onTransport(tr, s.becameWritable),
		Failed:    func(err error) { s.onTransport(tr, func() { s.writeFailed(err) })() },
		Wrote:     wrote,
	})
	s.tr = tr
	go s.readLoop(tr)
}

// onTransport returns a function that runs fn on the loop if tr is still
// the current transport.
func (s *serverConn) onTransport(tr *transport, fn func()) func() {
	return func() {
		s.loop.Post(func() {
			if s.tr == tr {
				fn()
			}
		})
	}
}

func (s *serverConn) closeTransport() {
	if s.tr != nil {
		s.tr.close()
		s.tr = nil
	}
}

func (s *serverConn) post(tr *transport, m msg.Message) bool {
	if s.loop.Post(func() {
		if s.tr == tr {
			s.read(m)
		}
		msg.Release(m)
	}) {
		return true
	}
	msg.Release(m)
	return false
}

func (s *serverConn) readLoop(tr *transport) {
	post := func(m msg.Message) bool { return s.post(tr, m) }
	fail := func(err error) { s.onTransport(tr, func() { s.readFailed(err) })() }

	for {
		src, ok := tr.rg.Wait()
		if !ok {
			return
		}
		if src.Mode == conn.ModeRaw {
			if err := readRaw(src.Reader, post); err != nil {
				fail(err)
				return
			}
			continue
		}

		if _, err := src.Reader.Peek(1); err != nil {
			fail(err)
			return
		}
		var req *http.Request
		if !s.loop.Call(func() { req = s.expected(tr) }) {
			return
		}
		resp, err := http.ReadResponse(src.Reader, req)
		if err != nil {
			fail(err)
			return
		}
		hasBody := responseHasBody(req, resp)
		if req != nil && req.Method == http.MethodConnect {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				// Everything after the head belongs to the tunnel.
				resp.Body = http.NoBody
			}
			tr.rg.Hold()
		}
		if !post(msg.Response{Response: resp, HasBody: hasBody}) {
			return
		}
		if hasBody {
			if err := readBody(tr.rg, resp.Body, post); err != nil {
				fail(err)
				return
			}
		}
	}
}

// expected returns the request the next response answers, or nil if none
// is outstanding.
func (s *serverConn) expected(tr *transport) *http.Request {
	switch {
	case s.tr != tr:
		return nil
	case s.m.IsConnecting() && s.att != nil:
		return s.att.initial.Request
	case len(s.pending) > 0:
		return s.pending[0].req
	}
	return nil
}

func (s *serverConn) readFailed(err error) {
	if a := s.att; a != nil && !a.fl.Done() {
		if a.readDone != nil {
			a.readDone(err)
		}
		return
	}
	logFailure(s.log, "server read ended", err)
	s.disconnect()
}

func (s *serverConn) writeFailed(err error) {
	if a := s.att; a != nil && !a.fl.Done() {
		// The step that wrote reports it.
		return
	}
	logFailure(s.log, "write to server failed", err)
	s.disconnect()
}

func (s *serverConn) read(m msg.Message) {
	switch v := m.(type) {
	case msg.Response:
		s.readResponse(v)
	case msg.Chunk:
		s.readChunk(v)
	case msg.Raw:
		s.client.writeRaw(v)
	}
}

func (s *serverConn) readResponse(r msg.Response) {
	if a := s.att; a != nil && !a.fl.Done() {
		if !a.fl.Read(r.Response) {
			s.log.Info("unexpected response while connecting", "status", r.Status)
		}
		return
	}
	if len(s.pending) == 0 {
		s.unattributed(r)
		return
	}

	sl := s.pending[0]
	if r.Interim() {
		s.relay(sl, r)
		return
	}
	s.pending = s.pending[1:]
	s.filters = sl.filters
	sl.filters.ServerToProxyResponseReceiving()
	s.srv.cfg.Tracker.ResponseReceivedFromServer(s.att.flowContext(), r.Response)
	s.closeAfter = r.Close
	if !s.relay(sl, r) {
		return
	}
	if r.HasBody {
		s.current = sl
		s.m.Become(conn.AwaitingChunk)
		return
	}
	sl.filters.ServerToProxyResponseReceived()
	s.responseDone()
}

// unattributed handles a response that arrived with no request
// outstanding. It is relayed only if the client is waiting for nothing
// else.
func (s *serverConn) unattributed(r msg.Response) {
	s.log.Info("response with no outstanding request", "status", r.Status)
	s.srv.cfg.Tracker.UnattributedResponse(s.att.flowContext(), r.Response)
	if r.Interim() {
		return
	}
	s.filters = filters.Adapter{}
	s.closeAfter = r.Close
	sl := s.client.unattributedSlot(s)
	if sl != nil && !s.relay(sl, r) {
		return
	}
	if r.HasBody {
		s.current = sl
		s.m.Become(conn.AwaitingChunk)
		return
	}
	s.responseDone()
}

func (s *serverConn) readChunk(c msg.Chunk) {
	if sl := s.current; sl != nil && !s.relay(sl, c) {
		return
	}
	if !c.Last {
		return
	}
	s.current = nil
	s.m.Become(conn.AwaitingInitial)
	s.responseDone()
}

// relay passes m through the server response filters to the client. It
// returns false if a filter dropped it, which disconnects.
func (s *serverConn) relay(sl *slot, m msg.Message) bool {
	out := s.filters.ServerToProxyResponse(m)
	if out == nil {
		s.log.V(1).Info("closing server connection", "err", errFiltered)
		s.disconnect()
		return false
	}
	s.client.respond(sl, out, nil)
	return true
}

func (s *serverConn) responseDone() {
	if s.closeAfter {
		s.log.V(1).Info("server asked to close")
		s.disconnect()
	}
}

// timedOut answers the oldest outstanding request with 504, then
// disconnects.
func (s *serverConn) timedOut() {
	if len(s.pending) > 0 && s.current == nil {
		sl := s.pending[0]
		s.log.Info("timed out waiting for response")
		sl.filters.ServerToProxyResponseTimedOut()
		s.client.respondError(sl, http.StatusGatewayTimeout, s.hostPort)
	} else {
		s.log.V(1).Info("server connection idle")
	}
	s.disconnect()
}

func (s *serverConn) pauseReading() {
	if s.tr != nil {
		s.tr.rg.Pause()
	}
}

func (s *serverConn) resumeReading() {
	if s.tr != nil {
		s.tr.rg.Resume()
	}
}

// becameSaturated stops the client from reading until the server catches
// up.
func (s *serverConn) becameSaturated() {
	if !s.pausedClient {
		s.pausedClient = true
		s.client.stopReading()
	}
}

func (s *serverConn) becameWritable() {
	if s.pausedClient {
		s.pausedClient = false
		s.client.resumeReading()
	}
}

func (s *serverConn) disconnect() {
	s.m.Disconnect()
}

func (s *serverConn) Becoming(from, to conn.State) {
	s.log.V(2).Info("server state", "from", from, "to", to)
	f := s.filters
	switch {
	case from == conn.Connecting && to == conn.Handshaking:
		f.ProxyToServerConnectionSSLHandshakeStarted()
	case from.IsPartOfConnectionFlow() && to == conn.AwaitingInitial:
		f.ProxyToServerConnectionSucceeded()
	case from.IsPartOfConnectionFlow() && to == conn.Disconnected:
		f.ProxyToServerConnectionFailed()
	case from == conn.AwaitingChunk && to != conn.AwaitingChunk:
		f.ServerToProxyResponseReceived()
	}
}

func (s *serverConn) Disconnected() {
	if a := s.att; a != nil {
		a.fl.Abort()
		a.cancel()
	}
	s.closeTransport()
	s.pending = nil
	s.current = nil
	s.tunneling = false
	if s.pausedClient {
		s.pausedClient = false
		s.client.resumeReading()
	}
	s.chained.Disconnected()
	s.client.serverDisconnected(s)
	s.gate.Open()
}
