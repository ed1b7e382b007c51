package conn

// State is the lifecycle state of one proxied connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	AwaitingConnectOK
	AwaitingInitial
	AwaitingChunk
	Disconnecting
)

var stateNames = [...]string{
	Disconnected:      "DISCONNECTED",
	Connecting:        "CONNECTING",
	Handshaking:       "HANDSHAKING",
	AwaitingConnectOK: "AWAITING_CONNECT_OK",
	AwaitingInitial:   "AWAITING_INITIAL",
	AwaitingChunk:     "AWAITING_CHUNK",
	Disconnecting:     "DISCONNECTING",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// IsPartOfConnectionFlow reports whether s is only entered while a connection
// is being established.
func (s State) IsPartOfConnectionFlow() bool {
	switch s {
	case Connecting, Handshaking, AwaitingConnectOK:
		return true
	}
	return false
}

func (s State) IsDisconnectingOrDisconnected() bool {
	return s == Disconnecting || s == Disconnected
}
