// Package flow sequences the steps that turn a freshly created server
// connection into one that can carry the client's traffic.
package flow

import "github.com/die-net/waypoint/internal/conn"

// Kind identifies what a step does. Steps carry no behavior; an Executor
// interprets them.
type Kind int

const (
	// ConnectChannel resolves the target and opens the transport.
	ConnectChannel Kind = iota
	// EncryptChannel runs a TLS client handshake on the server leg, either
	// with the chained proxy or, when Origin is set, with the origin.
	EncryptChannel
	// ConnectViaChainedProxy sends the client's CONNECT to an HTTP chained
	// proxy and waits for its 2xx reply.
	ConnectViaChainedProxy
	// MITMEncryptClient runs a TLS server handshake with the client using an
	// issued certificate.
	MITMEncryptClient
	// StartTunneling switches a leg to raw byte relay.
	StartTunneling
	// RespondConnectOK tells the client its CONNECT succeeded.
	RespondConnectOK
)

var kindNames = [...]string{
	ConnectChannel:         "ConnectChannel",
	EncryptChannel:         "EncryptChannel",
	ConnectViaChainedProxy: "ConnectViaChainedProxy",
	MITMEncryptClient:      "MITMEncryptClient",
	StartTunneling:         "StartTunneling",
	RespondConnectOK:       "RespondConnectOK",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Leg selects which side of the proxy a step acts on.
type Leg int

const (
	Server Leg = iota
	Client
)

func (l Leg) String() string {
	if l == Client {
		return "client"
	}
	return "server"
}

// Step describes one step of a connection flow.
type Step struct {
	Kind Kind
	Leg  Leg
	// State is entered on Leg before the step executes.
	State conn.State
	// OffLoop steps block and run on their own goroutine.
	OffLoop bool
	// SuppressInitial keeps the request that triggered the flow from being
	// forwarded once the flow succeeds.
	SuppressInitial bool
	// AwaitRead steps complete on a response passed to Flow.Read rather than
	// on execution.
	AwaitRead bool
	// Origin marks an EncryptChannel step that handshakes with the origin
	// instead of a chained proxy.
	Origin bool
}

// Plan is what Compose needs to know about a connection attempt.
type Plan struct {
	// ChainedEncryption is set when the chained proxy requires TLS.
	ChainedEncryption bool
	// HTTPChained is set when requests go through an HTTP chained proxy.
	HTTPChained bool
	// Connect is set when the request that triggered the flow is a CONNECT.
	Connect bool
	// MITM is set when CONNECT requests are intercepted.
	MITM bool
}

// Compose returns the steps for a connection attempt.
func Compose(p Plan) []Step {
	steps := []Step{{Kind: ConnectChannel, Leg: Server, State: conn.Connecting, OffLoop: true}}

	if p.ChainedEncryption {
		steps = append(steps, Step{Kind: EncryptChannel, Leg: Server, State: conn.Handshaking, OffLoop: true})
	}

	if !p.Connect {
		return steps
	}

	if p.MITM {
		return append(steps,
			Step{Kind: EncryptChannel, Leg: Server, State: conn.Handshaking, OffLoop: true, Origin: true},
			Step{Kind: RespondConnectOK, Leg: Client, State: conn.AwaitingConnectOK},
			Step{Kind: MITMEncryptClient, Leg: Server, State: conn.Handshaking, OffLoop: true, SuppressInitial: true},
		)
	}

	if p.HTTPChained {
		steps = append(steps, Step{Kind: ConnectViaChainedProxy, Leg: Server, State: conn.AwaitingConnectOK, AwaitRead: true})
	}
	return append(steps,
		Step{Kind: StartTunneling, Leg: Server, State: conn.AwaitingConnectOK},
		Step{Kind: RespondConnectOK, Leg: Client, State: conn.AwaitingConnectOK},
		Step{Kind: StartTunneling, Leg: Client, State: conn.AwaitingConnectOK},
	)
}
