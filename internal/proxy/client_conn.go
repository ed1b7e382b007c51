package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/die-net/waypoint/internal/activity"
	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/filters"
	"github.com/die-net/waypoint/internal/msg"
	"github.com/die-net/waypoint/internal/resolve"
)

// flushTimeout bounds how long a disconnecting client connection spends
// writing what was queued for it.
const flushTimeout = 5 * time.Second

// maxQueuedResponse bounds how much of a response waiting behind earlier
// responses is buffered before its server connection stops reading.
const maxQueuedResponse = conn.DefaultHighWatermark

// slot is one client request's place in the response order.
type slot struct {
	req     *http.Request
	filters filters.Filters
	// server produces the response; nil once the proxy answered itself.
	server *serverConn

	connect bool
	// connectOK is set once the client was told its CONNECT succeeded.
	connectOK  bool
	closeAfter bool

	queue       []queued
	queuedBytes int
	paused      bool

	framing framing
	// begun is set once a final response head was produced, received once
	// the whole response was, and done once it was all handed to the writer.
	begun    bool
	received bool
	done     bool
}

type queued struct {
	m    msg.Message
	done func(error)
}

func (sl *slot) method() string {
	if sl.req == nil {
		return http.MethodGet
	}
	return sl.req.Method
}

func (sl *slot) http11() bool {
	return sl.req == nil || sl.req.ProtoAtLeast(1, 1)
}

// drop releases everything still queued.
func (sl *slot) drop() {
	for _, it := range sl.queue {
		msg.Release(it.m)
		if it.done != nil {
			it.done(net.ErrClosed)
		}
	}
	sl.queue = nil
	sl.queuedBytes = 0
}

// clientConn is the proxy's end of one client connection. Apart from the
// reader and writer goroutines, everything runs on loop.
type clientConn struct {
	srv  *Server
	id   string
	log  logr.Logger
	loop *conn.Loop
	m    *conn.Machine
	addr net.Addr

	raw  net.Conn
	nc   net.Conn
	br   *bufio.Reader
	w    *conn.Writer
	rg   *conn.ReadGate
	idle *conn.IdleTimer

	intercepting atomic.Bool

	// servers holds the reusable server connection per target; all holds
	// every open one.
	servers map[string]*serverConn
	all     map[*serverConn]struct{}
	slots   []*slot
	// current is the slot whose request body is still being read.
	current *slot

	tunnel     *serverConn
	mitmServer *serverConn
	mitmHost   string

	closing       bool
	saturated     bool
	pausedServers []*serverConn
}

func newClientConn(srv *Server, nc net.Conn) *clientConn {
	c := &clientConn{
		srv:     srv,
		id:      uuid.NewString(),
		loop:    conn.NewLoop(),
		addr:    nc.RemoteAddr(),
		raw:     nc,
		nc:      nc,
		servers: make(map[string]*serverConn),
		all:     make(map[*serverConn]struct{}),
	}
	c.log = srv.log.WithValues("conn", c.id, "client", c.addr.String())
	c.m = conn.NewMachine(conn.AwaitingInitial, c)
	c.idle = conn.NewIdleTimer(srv.cfg.IdleTimeout, func() { c.loop.Post(c.timedOut) })
	c.br = bufio.NewReader(&countingReader{r: nc, fn: c.readBytes})
	c.rg = conn.NewReadGate(conn.Source{Mode: conn.ModeHTTP, Reader: c.br})
	c.w = conn.NewWriter(nc, 0, 0, conn.WriterEvents{
		Saturated: func() { c.loop.Post(c.becameSaturated) },
		Writable:  func() { c.loop.Post(c.becameWritable) },
		Failed:    func(err error) { c.loop.Post(func() { c.writeFailed(err) }) },
		Wrote:     c.wrote,
	})
	return c
}

func (c *clientConn) start() {
	c.log.V(1).Info("client connected")
	c.srv.cfg.Tracker.ClientConnected(c.addr)
	go c.loop.Run()
	go c.readLoop()
}

func (c *clientConn) flowContext() activity.FlowContext {
	return activity.FlowContext{ID: c.id, ClientAddress: c.addr, MITM: c.intercepting.Load()}
}

func (c *clientConn) readBytes(n int) {
	c.idle.Touch()
	c.srv.cfg.Tracker.BytesReceivedFromClient(c.flowContext(), n)
}

func (c *clientConn) wrote(n int) {
	c.idle.Touch()
	c.srv.cfg.Tracker.BytesSentToClient(c.flowContext(), n)
}

// post hands m to the loop, which releases it once handled.
func (c *clientConn) post(m msg.Message) bool {
	if c.loop.Post(func() {
		c.read(m)
		msg.Release(m)
	}) {
		return true
	}
	msg.Release(m)
	return false
}

func (c *clientConn) readLoop() {
	for {
		src, ok := c.rg.Wait()
		if !ok {
			return
		}
		if src.Mode == conn.ModeRaw {
			if err := readRaw(src.Reader, c.post); err != nil {
				c.loop.Post(func() { c.readFailed(err) })
				return
			}
			continue
		}

		req, err := http.ReadRequest(src.Reader)
		if err != nil {
			c.loop.Post(func() { c.readFailed(err) })
			return
		}
		r := msg.Request{Request: req, HasBody: req.ContentLength != 0}
		if req.Method == http.MethodConnect {
			// What follows may not be HTTP; the loop decides.
			c.rg.Hold()
		}
		if !c.post(r) {
			return
		}
		if r.HasBody {
			if err := readBody(c.rg, req.Body, c.post); err != nil {
				c.loop.Post(func() { c.readFailed(err) })
				return
			}
		}
	}
}

func (c *clientConn) readFailed(err error) {
	if c.m.Is(conn.Disconnected) || c.closing {
		return
	}
	if isClosedConn(err) || c.current != nil || c.tunnel != nil {
		c.log.V(1).Info("client read ended", "err", err)
		c.disconnect()
		return
	}
	c.log.V(1).Info("unparseable request", "err", err)
	sl := &slot{filters: filters.Adapter{}, closeAfter: true}
	c.slots = append(c.slots, sl)
	c.respondError(sl, http.StatusBadRequest, "")
}

func (c *clientConn) read(m msg.Message) {
	if c.m.Is(conn.Disconnected) || c.closing {
		return
	}
	switch v := m.(type) {
	case msg.Request:
		c.readRequest(v)
	case msg.Chunk:
		c.readChunk(v)
	case msg.Raw:
		if c.tunnel != nil {
			c.tunnel.write(v, nil)
		}
	}
}

func (c *clientConn) readRequest(r msg.Request) {
	c.srv.cfg.Tracker.RequestReceivedFromClient(c.flowContext(), r.Request)

	connect := r.Method == http.MethodConnect
	f := c.srv.cfg.Filters.FilterRequest(r.Request)
	if f == nil {
		f = filters.Adapter{}
	}
	sl := &slot{req: r.Request, filters: f, connect: connect, closeAfter: r.Close && !connect}
	c.slots = append(c.slots, sl)
	c.current = nil
	if r.HasBody {
		c.current = sl
		c.m.Become(conn.AwaitingChunk)
	}

	if resp := f.ClientToProxyRequest(r); resp != nil {
		c.respondSynthetic(sl, resp)
		return
	}
	hostPort, err := c.targetHostPort(r.Request)
	if err != nil {
		c.log.V(1).Info("bad request target", "err", err)
		sl.closeAfter = true
		c.respondError(sl, http.StatusBadRequest, err.Error())
		return
	}

	stripHopByHop(r.Header)
	addVia(r.Header, r.ProtoMajor, r.ProtoMinor, c.srv.cfg.Via)
	if resp := f.ProxyToServerRequest(r); resp != nil {
		c.respondSynthetic(sl, resp)
		return
	}

	s, err := c.serverFor(hostPort, sl)
	if err != nil {
		c.log.Info("unable to route request", "target", hostPort, "err", err)
		c.respondError(sl, http.StatusBadGateway, hostPort)
		return
	}
	sl.server = s
	s.write(r, sl)
}

func (c *clientConn) readChunk(ch msg.Chunk) {
	sl := c.current
	if sl == nil {
		return
	}
	if s := sl.server; s != nil {
		s.write(ch, sl)
	}
	if ch.Last {
		c.current = nil
		c.m.Become(conn.AwaitingInitial)
	}
}

// targetHostPort returns the host:port a request is for.
func (c *clientConn) targetHostPort(req *http.Request) (string, error) {
	if c.mitmHost != "" {
		return c.mitmHost, nil
	}

	host, port := req.Host, 80
	switch {
	case req.Method == http.MethodConnect:
		port = 443
	case req.URL.Host != "":
		host = req.URL.Host
		if strings.EqualFold(req.URL.Scheme, "https") {
			port = 443
		}
	}
	if host == "" {
		return "", errNoHost
	}
	h, p, err := resolve.SplitHostPort(host, port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(h, strconv.Itoa(p)), nil
}

// serverFor returns the connection to reuse for hostPort, creating one if
// there is none. CONNECT always gets its own.
func (c *clientConn) serverFor(hostPort string, sl *slot) (*serverConn, error) {
	if s := c.servers[hostPort]; s != nil && !sl.connect {
		return s, nil
	}
	s, err := newServerConn(c, hostPort, sl)
	if err != nil {
		return nil, err
	}
	c.servers[hostPort] = s
	c.all[s] = struct{}{}
	return s, nil
}

// respond relays m to the client in sl's turn. The caller keeps its
// reference to m.
func (c *clientConn) respond(sl *slot, m msg.Message, done func(error)) {
	if c.m.Is(conn.Disconnected) || sl.received {
		if done != nil {
			done(net.ErrClosed)
		}
		return
	}
	if r, ok := m.(msg.Response); ok {
		stripHopByHop(r.Header)
		addVia(r.Header, r.ProtoMajor, r.ProtoMinor, c.srv.cfg.Via)
	}
	out := sl.filters.ProxyToClientResponse(m)
	if out == nil {
		c.log.V(1).Info("closing connection", "err", errFiltered)
		if done != nil {
			done(errFiltered)
		}
		c.disconnect()
		return
	}

	switch v := out.(type) {
	case msg.Response:
		if !v.Interim() {
			sl.begun = true
			sl.received = !v.HasBody
		}
	case msg.Chunk:
		sl.received = v.Last
	}

	sl.queue = append(sl.queue, queued{m: msg.Retain(out), done: done})
	if len(c.slots) > 0 && c.slots[0] == sl {
		c.flush()
		return
	}
	sl.queuedBytes += len(msg.Bytes(out))
	if sl.queuedBytes > maxQueuedResponse && !sl.paused && sl.server != nil {
		sl.paused = true
		sl.server.pauseReading()
	}
}

// flush writes what the head slots have queued, retiring each completed one.
func (c *clientConn) flush() {
	for len(c.slots) > 0 && !c.closing {
		head := c.slots[0]
		for len(head.queue) > 0 && !head.done {
			it := head.queue[0]
			head.queue[0] = queued{}
			head.queue = head.queue[1:]
			c.write(head, it.m, it.done)
			msg.Release(it.m)
		}
		head.queuedBytes = 0
		if head.paused {
			head.paused = false
			head.server.resumeReading()
		}
		if !head.done {
			return
		}
		c.slots = c.slots[1:]
		c.finish(head)
	}
}

func (c *clientConn) write(sl *slot, m msg.Message, done func(error)) {
	switch v := m.(type) {
	case msg.Response:
		if v.Interim() {
			c.w.Enqueue(encodeResponseHead(v.Response, framingNone, false), nil, done)
			return
		}
		sl.framing = responseFraming(sl, v)
		if sl.framing == framingClose {
			sl.closeAfter = true
		}
		c.w.Enqueue(encodeResponseHead(v.Response, sl.framing, sl.closeAfter), nil, done)
		c.srv.cfg.Tracker.ResponseSentToClient(c.flowContext(), v.Response)
		sl.done = sl.framing == framingNone
	case msg.Chunk:
		writeChunk(c.w, sl.framing, v, done)
		sl.done = v.Last
	}
}

func responseFraming(sl *slot, r msg.Response) framing {
	switch {
	case !r.HasBody || bodiless(sl.method(), r.StatusCode):
		return framingNone
	case r.ContentLength >= 0:
		return framingLength
	case sl.http11():
		return framingChunked
	}
	return framingClose
}

func (c *clientConn) finish(sl *slot) {
	sl.drop()
	if sl.connect && !sl.connectOK {
		// No tunnel; keep reading requests.
		c.rg.Switch(conn.Source{Mode: conn.ModeHTTP, Reader: c.br})
	}
	if sl.closeAfter {
		c.closeAfterWrites()
	}
}

func (c *clientConn) closeAfterWrites() {
	if c.closing {
		return
	}
	c.closing = true
	c.w.Enqueue(nil, nil, func(error) { c.loop.Post(c.disconnect) })
}

// respondSynthetic answers sl with a response the proxy made up.
func (c *clientConn) respondSynthetic(sl *slot, resp *http.Response) {
	sl.server = nil
	body := readSynthetic(resp)
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Request == nil {
		resp.Request = sl.req
	}
	resp.Body = http.NoBody
	resp.ContentLength = int64(len(body))
	hasBody := len(body) > 0 && !bodiless(sl.method(), resp.StatusCode)

	c.respond(sl, msg.Response{Response: resp, HasBody: hasBody}, nil)
	if hasBody {
		ch := msg.Chunk{Data: conn.Buffers.Copy(body), Last: true}
		c.respond(sl, ch, nil)
		msg.Release(ch)
	}
}

func (c *clientConn) respondError(sl *slot, code int, detail string) {
	c.respondSynthetic(sl, gatewayResponse(sl.req, code, detail))
}

func (c *clientConn) respondConnectOK(sl *slot, done func(error)) {
	sl.connectOK = true
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 Connection established",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Request:    sl.req,
	}
	c.respond(sl, msg.Response{Response: resp}, done)
}

// unattributedSlot makes room for a response nobody asked for. It returns
// nil unless the client has nothing outstanding.
func (c *clientConn) unattributedSlot(s *serverConn) *slot {
	if len(c.slots) > 0 || c.closing || c.tunnel != nil {
		return nil
	}
	sl := &slot{filters: filters.Adapter{}, server: s}
	c.slots = append(c.slots, sl)
	return sl
}

func (c *clientConn) writeRaw(r msg.Raw) {
	if c.m.Is(conn.Disconnected) {
		return
	}
	c.w.Enqueue(msg.Bytes(r), msg.ReleaseFunc(msg.Retain(r)), nil)
}

func (c *clientConn) startTunneling(s *serverConn) {
	c.tunnel = s
	c.rg.Switch(conn.Source{Mode: conn.ModeRaw, Reader: c.br})
}

// startMITM switches the client leg to tc once the handshake completed.
func (c *clientConn) startMITM(s *serverConn, tc *tls.Conn) {
	c.nc = tc
	c.br = bufio.NewReader(tc)
	c.w.SetOutput(tc)
	c.mitmServer = s
	c.mitmHost = s.hostPort
	c.intercepting.Store(true)
}

func (c *clientConn) serverConnectionSucceeded(_ *serverConn, forward bool) {
	if forward {
		return
	}
	c.m.Become(conn.AwaitingInitial)
	c.rg.Switch(conn.Source{Mode: conn.ModeHTTP, Reader: c.br})
}

// serverDisconnected answers every request s still owed a response with 502,
// or closes the client if a response was cut short.
func (c *clientConn) serverDisconnected(s *serverConn) {
	if c.servers[s.hostPort] == s {
		delete(c.servers, s.hostPort)
	}
	delete(c.all, s)
	c.pausedServers = slices.DeleteFunc(c.pausedServers, func(o *serverConn) bool { return o == s })
	if c.m.Is(conn.Disconnected) {
		return
	}

	teardown := s == c.tunnel || s == c.mitmServer
	for _, sl := range slices.Clone(c.slots) {
		if sl.server != s || sl.received {
			continue
		}
		if sl.begun {
			teardown = true
			continue
		}
		c.respondError(sl, http.StatusBadGateway, s.hostPort)
	}
	if teardown {
		c.log.V(1).Info("server connection lost mid-exchange", "target", s.hostPort)
		c.disconnect()
	}
}

func (c *clientConn) stopReading() {
	c.rg.Pause()
}

func (c *clientConn) resumeReading() {
	c.rg.Resume()
}

// becameSaturated stops every server connection from reading until the
// client catches up.
func (c *clientConn) becameSaturated() {
	if c.saturated || c.m.Is(conn.Disconnected) {
		return
	}
	c.saturated = true
	for s := range c.all {
		s.pauseReading()
		c.pausedServers = append(c.pausedServers, s)
	}
}

func (c *clientConn) becameWritable() {
	if !c.saturated {
		return
	}
	c.saturated = false
	for _, s := range c.pausedServers {
		s.resumeReading()
	}
	c.pausedServers = nil
}

func (c *clientConn) writeFailed(err error) {
	logFailure(c.log, "write to client failed", err)
	c.disconnect()
}

func (c *clientConn) timedOut() {
	if c.m.Is(conn.Disconnected) {
		return
	}
	if len(c.slots) > 0 {
		// A server is still working on a response; its own idle timer
		// decides.
		c.idle.Restart()
		return
	}
	c.log.V(1).Info("client idle timeout")
	c.disconnect()
}

func (c *clientConn) disconnect() {
	c.m.Disconnect()
}

func (c *clientConn) Becoming(from, to conn.State) {
	c.log.V(2).Info("client state", "from", from, "to", to)
}

func (c *clientConn) Disconnected() {
	c.log.V(1).Info("client disconnected")
	c.idle.Stop()
	c.rg.Close()
	// Whatever was already queued, such as a gateway error or the start of
	// a response cut short, still goes out before the socket closes.
	_ = c.raw.SetWriteDeadline(time.Now().Add(flushTimeout))
	c.w.CloseAfterFlush(func() { _ = c.raw.Close() })
	for s := range c.all {
		s.disconnect()
	}
	for _, sl := range c.slots {
		sl.drop()
	}
	c.slots = nil
	c.current = nil
	c.tunnel = nil
	c.srv.cfg.Tracker.ClientDisconnected(c.addr)
	c.srv.remove(c)
	c.loop.Close()
}
