package activity

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type panicky struct{ Adapter }

func (panicky) RequestReceivedFromClient(FlowContext, *http.Request) { panic("boom") }

type counting struct {
	Adapter
	requests int
}

func (c *counting) RequestReceivedFromClient(FlowContext, *http.Request) { c.requests++ }

func TestTrackersRecoverPanics(t *testing.T) {
	t.Parallel()

	c := &counting{}
	ts := NewTrackers(logr.Discard(), panicky{}, c)
	ts.RequestReceivedFromClient(FlowContext{}, &http.Request{Method: http.MethodGet})
	ts.RequestReceivedFromClient(FlowContext{}, &http.Request{Method: http.MethodGet})
	if c.requests != 2 {
		t.Fatalf("requests = %d", c.requests)
	}
}

func TestPrometheus(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	p.ClientConnected(addr)
	p.ClientConnected(addr)
	p.ClientDisconnected(addr)
	p.RequestReceivedFromClient(FlowContext{}, &http.Request{Method: http.MethodGet})
	p.ResponseReceivedFromServer(FullFlowContext{}, &http.Response{StatusCode: http.StatusBadGateway})
	p.BytesSentToClient(FlowContext{}, 10)
	p.BytesSentToClient(FlowContext{}, 5)
	p.UnattributedResponse(FullFlowContext{}, &http.Response{})

	if got := testutil.ToFloat64(p.clients); got != 1 {
		t.Fatalf("clients = %v", got)
	}
	if got := testutil.ToFloat64(p.requests.WithLabelValues("client", "GET")); got != 1 {
		t.Fatalf("requests = %v", got)
	}
	if got := testutil.ToFloat64(p.responses.WithLabelValues("server", "5xx")); got != 1 {
		t.Fatalf("responses = %v", got)
	}
	if got := testutil.ToFloat64(p.bytes.WithLabelValues("client_out")); got != 15 {
		t.Fatalf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(p.unattributed); got != 1 {
		t.Fatalf("unattributed = %v", got)
	}

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "waypoint_unattributed_responses_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
