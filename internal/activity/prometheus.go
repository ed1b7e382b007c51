package activity

import (
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Tracker exporting counters on its own registry.
type Prometheus struct {
	Adapter

	registry *prometheus.Registry

	clients      prometheus.Gauge
	connections  prometheus.Counter
	requests     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	unattributed prometheus.Counter
}

var _ Tracker = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_client_connections",
			Help: "Client connections currently open.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_client_connections_total",
			Help: "Client connections accepted.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_requests_total",
			Help: "Requests by leg and method.",
		}, []string{"leg", "method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_responses_total",
			Help: "Responses by leg and status class.",
		}, []string{"leg", "code"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_bytes_total",
			Help: "Bytes relayed by direction.",
		}, []string{"direction"}),
		unattributed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_unattributed_responses_total",
			Help: "Responses that arrived with no outstanding request on their server connection.",
		}),
	}
	p.registry.MustRegister(p.clients, p.connections, p.requests, p.responses, p.bytes, p.unattributed)
	return p
}

// Registry returns the registry the counters live on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the counters in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) ClientConnected(net.Addr) {
	p.clients.Inc()
	p.connections.Inc()
}

func (p *Prometheus) ClientDisconnected(net.Addr) {
	p.clients.Dec()
}

func (p *Prometheus) BytesReceivedFromClient(_ FlowContext, n int) {
	p.bytes.WithLabelValues("client_in").Add(float64(n))
}

func (p *Prometheus) RequestReceivedFromClient(_ FlowContext, req *http.Request) {
	p.requests.WithLabelValues("client", req.Method).Inc()
}

func (p *Prometheus) BytesSentToServer(_ FullFlowContext, n int) {
	p.bytes.WithLabelValues("server_out").Add(float64(n))
}

func (p *Prometheus) RequestSentToServer(_ FullFlowContext, req *http.Request) {
	p.requests.WithLabelValues("server", req.Method).Inc()
}

func (p *Prometheus) BytesReceivedFromServer(_ FullFlowContext, n int) {
	p.bytes.WithLabelValues("server_in").Add(float64(n))
}

func (p *Prometheus) ResponseReceivedFromServer(_ FullFlowContext, resp *http.Response) {
	p.responses.WithLabelValues("server", statusClass(resp.StatusCode)).Inc()
}

func (p *Prometheus) BytesSentToClient(_ FlowContext, n int) {
	p.bytes.WithLabelValues("client_out").Add(float64(n))
}

func (p *Prometheus) ResponseSentToClient(_ FlowContext, resp *http.Response) {
	p.responses.WithLabelValues("client", statusClass(resp.StatusCode)).Inc()
}

func (p *Prometheus) UnattributedResponse(FullFlowContext, *http.Response) {
	p.unattributed.Inc()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
