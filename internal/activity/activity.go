// Package activity reports what the proxy does to interested trackers.
package activity

import (
	"fmt"
	"net"
	"net/http"

	"github.com/go-logr/logr"
)

// FlowContext identifies a client connection.
type FlowContext struct {
	ID            string
	ClientAddress net.Addr
	// MITM is set once the client leg is being intercepted.
	MITM bool
}

// FullFlowContext identifies one server connection of a client connection.
type FullFlowContext struct {
	FlowContext
	ServerHostAndPort string
	// ChainedProxy is the address of the upstream proxy in use, if any.
	ChainedProxy string
}

// Tracker receives fire-and-forget activity events. Calls may come from any
// goroutine.
type Tracker interface {
	ClientConnected(addr net.Addr)
	ClientDisconnected(addr net.Addr)
	BytesReceivedFromClient(fc FlowContext, n int)
	RequestReceivedFromClient(fc FlowContext, req *http.Request)
	BytesSentToServer(fc FullFlowContext, n int)
	RequestSentToServer(fc FullFlowContext, req *http.Request)
	BytesReceivedFromServer(fc FullFlowContext, n int)
	ResponseReceivedFromServer(fc FullFlowContext, resp *http.Response)
	BytesSentToClient(fc FlowContext, n int)
	ResponseSentToClient(fc FlowContext, resp *http.Response)
	// UnattributedResponse reports a response that arrived while no request
	// was outstanding on its server connection.
	UnattributedResponse(fc FullFlowContext, resp *http.Response)
}

// Adapter implements Tracker by ignoring everything.
type Adapter struct{}

var _ Tracker = Adapter{}

func (Adapter) ClientConnected(net.Addr)                                   {}
func (Adapter) ClientDisconnected(net.Addr)                                {}
func (Adapter) BytesReceivedFromClient(FlowContext, int)                   {}
func (Adapter) RequestReceivedFromClient(FlowContext, *http.Request)       {}
func (Adapter) BytesSentToServer(FullFlowContext, int)                     {}
func (Adapter) RequestSentToServer(FullFlowContext, *http.Request)         {}
func (Adapter) BytesReceivedFromServer(FullFlowContext, int)               {}
func (Adapter) ResponseReceivedFromServer(FullFlowContext, *http.Response) {}
func (Adapter) BytesSentToClient(FlowContext, int)                         {}
func (Adapter) ResponseSentToClient(FlowContext, *http.Response)           {}
func (Adapter) UnattributedResponse(FullFlowContext, *http.Response)       {}

// Trackers fans events out to several trackers. A tracker that panics is
// logged and does not affect the others or the caller.
type Trackers struct {
	list []Tracker
	log  logr.Logger
}

var _ Tracker = (*Trackers)(nil)

func NewTrackers(log logr.Logger, list ...Tracker) *Trackers {
	return &Trackers{list: list, log: log}
}

func (ts *Trackers) each(event string, fn func(Tracker)) {
	for _, t := range ts.list {
		ts.call(event, t, fn)
	}
}

func (ts *Trackers) call(event string, t Tracker, fn func(Tracker)) {
	defer func() {
		if r := recover(); r != nil {
			ts.log.Error(fmt.Errorf("panic: %v", r), "Activity tracker failed", "event", event, "tracker", fmt.Sprintf("%T", t))
		}
	}()
	fn(t)
}

func (ts *Trackers) ClientConnected(addr net.Addr) {
	ts.each("ClientConnected", func(t Tracker) { t.ClientConnected(addr) })
}

func (ts *Trackers) ClientDisconnected(addr net.Addr) {
	ts.each("ClientDisconnected", func(t Tracker) { t.ClientDisconnected(addr) })
}

func (ts *Trackers) BytesReceivedFromClient(fc FlowContext, n int) {
	ts.each("BytesReceivedFromClient", func(t Tracker) { t.BytesReceivedFromClient(fc, n) })
}

func (ts *Trackers) RequestReceivedFromClient(fc FlowContext, req *http.Request) {
	ts.each("RequestReceivedFromClient", func(t Tracker) { t.RequestReceivedFromClient(fc, req) })
}

func (ts *Trackers) BytesSentToServer(fc FullFlowContext, n int) {
	ts.each("BytesSentToServer", func(t Tracker) { t.BytesSentToServer(fc, n) })
}

func (ts *Trackers) RequestSentToServer(fc FullFlowContext, req *http.Request) {
	ts.each("RequestSentToServer", func(t Tracker) { t.RequestSentToServer(fc, req) })
}

func (ts *Trackers) BytesReceivedFromServer(fc FullFlowContext, n int) {
	ts.each("BytesReceivedFromServer", func(t Tracker) { t.BytesReceivedFromServer(fc, n) })
}

func (ts *Trackers) ResponseReceivedFromServer(fc FullFlowContext, resp *http.Response) {
	ts.each("ResponseReceivedFromServer", func(t Tracker) { t.ResponseReceivedFromServer(fc, resp) })
}

func (ts *Trackers) BytesSentToClient(fc FlowContext, n int) {
	ts.each("BytesSentToClient", func(t Tracker) { t.BytesSentToClient(fc, n) })
}

func (ts *Trackers) ResponseSentToClient(fc FlowContext, resp *http.Response) {
	ts.each("ResponseSentToClient", func(t Tracker) { t.ResponseSentToClient(fc, resp) })
}

func (ts *Trackers) UnattributedResponse(fc FullFlowContext, resp *http.Response) {
	ts.each("UnattributedResponse", func(t Tracker) { t.UnattributedResponse(fc, resp) })
}
