package filters

import (
	"bytes"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/conn"
	"github.com/die-net/waypoint/internal/msg"
)

type recorder struct {
	Adapter
	name   string
	events *[]string
	answer *http.Response
	addr   netip.AddrPort
}

func (r recorder) ClientToProxyRequest(msg.Message) *http.Response {
	*r.events = append(*r.events, r.name+" request")
	return r.answer
}

func (r recorder) ProxyToClientResponse(m msg.Message) msg.Message {
	*r.events = append(*r.events, r.name+" response")
	return m
}

func (r recorder) ProxyToServerConnectionSucceeded() {
	*r.events = append(*r.events, r.name+" connected")
}

func (r recorder) ProxyToServerResolutionStarted(string) (netip.AddrPort, bool) {
	return r.addr, r.addr.IsValid()
}

func TestChain(t *testing.T) {
	t.Parallel()

	var events []string
	forbidden := &http.Response{StatusCode: http.StatusForbidden}
	override := netip.MustParseAddrPort("192.0.2.1:80")
	src := Chain(
		SourceFunc(func(*http.Request) Filters { return recorder{name: "a", events: &events} }),
		SourceFunc(func(*http.Request) Filters { return nil }),
		SourceFunc(func(*http.Request) Filters {
			return recorder{name: "b", events: &events, answer: forbidden, addr: override}
		}),
		SourceFunc(func(*http.Request) Filters { return recorder{name: "c", events: &events} }),
	)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	f := src.FilterRequest(req)

	if got := f.ClientToProxyRequest(msg.Request{Request: req}); got != forbidden {
		t.Fatalf("short circuit = %v", got)
	}
	f.ProxyToClientResponse(msg.Response{Response: &http.Response{}})
	f.ProxyToServerConnectionSucceeded()
	if addr, ok := f.ProxyToServerResolutionStarted("example.com:80"); !ok || addr != override {
		t.Fatalf("resolution override = %v %v", addr, ok)
	}

	want := []string{
		"a request", "b request",
		"a response", "b response", "c response",
		"a connected", "b connected", "c connected",
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v\nwant %v", events, want)
	}
}

type dropper struct{ Adapter }

func (dropper) ServerToProxyResponse(msg.Message) msg.Message { return nil }

func TestChainDrop(t *testing.T) {
	t.Parallel()

	src := Chain(Passthrough, SourceFunc(func(*http.Request) Filters { return dropper{} }), Passthrough)
	f := src.FilterRequest(&http.Request{})
	if m := f.ServerToProxyResponse(msg.Response{Response: &http.Response{}}); m != nil {
		t.Fatalf("expected drop, got %v", m)
	}
}

func TestTrafficLog(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	tl := NewTrafficLog(&out, logr.Discard())

	connect, _ := http.NewRequest(http.MethodConnect, "", nil)
	if _, ok := tl.FilterRequest(connect).(Adapter); !ok {
		t.Fatal("CONNECT should not be recorded")
	}

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/form", nil)
	req.RequestURI = "http://example.com/form"
	req.Header.Set("Content-Type", "text/plain")
	f := tl.FilterRequest(req)
	f.ClientToProxyRequest(msg.Request{Request: req, HasBody: true})
	reqBody := conn.Buffers.Copy([]byte("name=value"))
	defer reqBody.Release()
	f.ClientToProxyRequest(msg.Chunk{Data: reqBody, Last: true})

	resp := &http.Response{Status: "200 OK", StatusCode: 200, Proto: "HTTP/1.1", Header: http.Header{"X-Test": {"1"}}}
	f.ProxyToClientResponse(msg.Response{Response: resp, HasBody: true})
	if out.Len() != 0 {
		t.Fatal("transcript written before the response finished")
	}
	respBody := conn.Buffers.Copy([]byte("ok"))
	defer respBody.Release()
	f.ProxyToClientResponse(msg.Chunk{Data: respBody})
	f.ProxyToClientResponse(msg.Chunk{Last: true})

	want := "POST http://example.com/form HTTP/1.1\nHost: example.com\nContent-Type: text/plain\n\nname=value\n" +
		"\nHTTP/1.1 200 OK\nX-Test: 1\n\nok\n"
	if got := out.String(); got != want {
		t.Fatalf("transcript:\n%s\nwant:\n%s", got, want)
	}
}

func TestBlockHosts(t *testing.T) {
	t.Parallel()

	src := BlockHosts([]string{"ads.example", "Tracker.example."})

	tests := []struct {
		host    string
		blocked bool
	}{
		{"ads.example", true},
		{"ads.example:443", true},
		{"x.ads.example", true},
		{"tracker.example", true},
		{"notads.example", false},
		{"example", false},
	}
	for _, tt := range tests {
		req := &http.Request{Method: http.MethodGet, Host: tt.host}
		resp := src.FilterRequest(req).ClientToProxyRequest(msg.Request{Request: req})
		if (resp != nil) != tt.blocked {
			t.Errorf("%s: blocked = %v, want %v", tt.host, resp != nil, tt.blocked)
		}
		if resp != nil && !strings.HasPrefix(resp.Status, "403") {
			t.Errorf("%s: status = %q", tt.host, resp.Status)
		}
	}
}
