package filters

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/msg"
)

// TrafficLog is a Source that appends a transcript of every non-CONNECT
// exchange to a writer: the request line, headers and body, then the status
// line, headers and body of the response.
type TrafficLog struct {
	mu  sync.Mutex
	w   io.Writer
	log logr.Logger
}

func NewTrafficLog(w io.Writer, log logr.Logger) *TrafficLog {
	return &TrafficLog{w: w, log: log}
}

func (t *TrafficLog) FilterRequest(req *http.Request) Filters {
	if req.Method == http.MethodConnect {
		return Adapter{}
	}
	return &transcript{tl: t}
}

func (t *TrafficLog) write(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		t.log.Error(err, "Failed to write traffic log")
	}
}

type transcript struct {
	Adapter
	tl      *TrafficLog
	buf     bytes.Buffer
	written bool
}

func (x *transcript) ClientToProxyRequest(m msg.Message) *http.Response {
	switch v := m.(type) {
	case msg.Request:
		fmt.Fprintf(&x.buf, "%s %s %s\n", v.Method, v.RequestURI, v.Proto)
		if v.Host != "" {
			fmt.Fprintf(&x.buf, "Host: %s\n", v.Host)
		}
		writeHeader(&x.buf, v.Header)
		x.buf.WriteByte('\n')
	case msg.Chunk:
		x.body(v)
	}
	return nil
}

func (x *transcript) ProxyToClientResponse(m msg.Message) msg.Message {
	switch v := m.(type) {
	case msg.Response:
		if v.Interim() {
			return m
		}
		fmt.Fprintf(&x.buf, "\n%s %s\n", v.Proto, v.Status)
		writeHeader(&x.buf, v.Header)
		x.buf.WriteByte('\n')
		if !v.HasBody {
			x.flush()
		}
	case msg.Chunk:
		x.body(v)
		if v.Last {
			x.flush()
		}
	}
	return m
}

func (x *transcript) body(c msg.Chunk) {
	if c.Data == nil || c.Data.Len() == 0 {
		return
	}
	x.buf.Write(c.Data.Bytes())
	x.buf.WriteByte('\n')
}

func (x *transcript) flush() {
	if x.written {
		return
	}
	x.written = true
	x.tl.write(x.buf.Bytes())
}

func writeHeader(w io.Writer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
}
