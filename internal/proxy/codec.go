package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/msg"
)

// Headers meaningful only for a single transport-level connection.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n\r\n")
)

// framing is how a message body is delimited on the wire.
type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
	// framingClose ends the body by closing the connection.
	framingClose
)

func stripHopByHop(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func addVia(h http.Header, major, minor int, via string) {
	if major == 0 {
		major, minor = 1, 1
	}
	h.Add("Via", fmt.Sprintf("%d.%d %s", major, minor, via))
}

// bodiless reports whether a response to method with status code never has
// a body, whatever its headers say.
func bodiless(method string, code int) bool {
	switch {
	case method == http.MethodHead:
		return true
	case code >= 100 && code < 200, code == http.StatusNoContent, code == http.StatusNotModified:
		return true
	case method == http.MethodConnect && code >= 200 && code < 300:
		return true
	}
	return false
}

func responseHasBody(req *http.Request, resp *http.Response) bool {
	method := http.MethodGet
	if req != nil {
		method = req.Method
	}
	return !bodiless(method, resp.StatusCode) && resp.ContentLength != 0
}

func requestFraming(r msg.Request) framing {
	switch {
	case !r.HasBody:
		return framingNone
	case r.ContentLength >= 0:
		return framingLength
	}
	return framingChunked
}

// requestTarget returns the request-target for req: absolute-form when
// talking to an HTTP chained proxy, origin-form otherwise. CONNECT always
// uses authority-form.
func requestTarget(req *http.Request, hostPort string, absolute bool) string {
	switch {
	case req.Method == http.MethodConnect:
		return hostPort
	case absolute:
		u := *req.URL
		if u.Scheme == "" {
			u.Scheme = "http"
		}
		if u.Host == "" {
			u.Host = req.Host
		}
		return u.String()
	}
	return req.URL.RequestURI()
}

func encodeRequestHead(req *http.Request, target string, f framing) []byte {
	var b bytes.Buffer
	major, minor := req.ProtoMajor, req.ProtoMinor
	if major == 0 {
		major, minor = 1, 1
	}
	fmt.Fprintf(&b, "%s %s HTTP/%d.%d\r\n", req.Method, target, major, minor)

	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	_ = req.Header.WriteSubset(&b, map[string]bool{"Host": true, "Content-Length": true, "Transfer-Encoding": true})
	switch f {
	case framingLength:
		fmt.Fprintf(&b, "Content-Length: %d\r\n", req.ContentLength)
	case framingChunked:
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	b.Write(crlf)
	return b.Bytes()
}

func encodeResponseHead(resp *http.Response, f framing, closing bool) []byte {
	var b bytes.Buffer
	code := strconv.Itoa(resp.StatusCode)
	status := strings.TrimPrefix(resp.Status, code+" ")
	if status == "" || status == resp.Status {
		status = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&b, "HTTP/1.1 %03d %s\r\n", resp.StatusCode, status)

	exclude := map[string]bool{"Transfer-Encoding": true}
	if f != framingNone {
		exclude["Content-Length"] = true
	}
	_ = resp.Header.WriteSubset(&b, exclude)
	switch f {
	case framingLength:
		fmt.Fprintf(&b, "Content-Length: %d\r\n", resp.ContentLength)
	case framingChunked:
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	if closing {
		b.WriteString("Connection: close\r\n")
	}
	b.Write(crlf)
	return b.Bytes()
}

// writeChunk queues one body chunk framed as f. done, if set, is called once
// everything queued for the chunk was written.
func writeChunk(w *conn.Writer, f framing, c msg.Chunk, done func(error)) {
	chunked := f == framingChunked
	if data := msg.Bytes(c); len(data) > 0 && f != framingNone {
		if chunked {
			w.Enqueue(fmt.Appendf(nil, "%x\r\n", len(data)), nil, nil)
		}
		w.Enqueue(data, msg.ReleaseFunc(msg.Retain(c)), nil)
		if chunked {
			w.Enqueue(crlf, nil, nil)
		}
	}
	var tail []byte
	if chunked && c.Last {
		tail = lastChunk
	}
	if tail != nil || done != nil {
		w.Enqueue(tail, nil, done)
	}
}

// readBody posts body as chunks, the last one marked Last. It waits on rg
// before every read so the loop can pause it.
func readBody(rg *conn.ReadGate, body io.Reader, post func(msg.Message) bool) error {
	for {
		if _, ok := rg.Wait(); !ok {
			return io.ErrClosedPipe
		}
		b := conn.Buffers.Get()
		n, err := body.Read(b.Space())
		last := err == io.EOF
		if err != nil && !last {
			b.Release()
			return err
		}
		if n == 0 {
			b.Release()
			if !last {
				continue
			}
			b = nil
		} else {
			b.SetLen(n)
		}
		if !post(msg.Chunk{Data: b, Last: last}) {
			return io.ErrClosedPipe
		}
		if last {
			return nil
		}
	}
}

// readRaw reads once from r and posts what it got.
func readRaw(r io.Reader, post func(msg.Message) bool) error {
	b := conn.Buffers.Get()
	n, err := r.Read(b.Space())
	if n == 0 {
		b.Release()
		return err
	}
	b.SetLen(n)
	if !post(msg.Raw{Data: b}) {
		return io.ErrClosedPipe
	}
	return err
}

// countingReader reports every successful read.
type countingReader struct {
	r  io.Reader
	fn func(n int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.fn(n)
	}
	return n, err
}
