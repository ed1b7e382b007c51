package conn

import "sync/atomic"

// Hooks is implemented by each leg of a proxied connection. Both methods are
// called on the connection's Loop.
type Hooks interface {
	// Becoming is called before the state changes from one value to another.
	Becoming(from, to State)
	// Disconnected releases the leg's resources. It runs at most once per
	// lease.
	Disconnected()
}

// Machine drives the lifecycle of one connection. Transitions are made on the
// owning Loop; State may be read from any goroutine.
type Machine struct {
	state atomic.Int32
	hooks Hooks
}

func NewMachine(initial State, hooks Hooks) *Machine {
	m := &Machine{hooks: hooks}
	m.state.Store(int32(initial))
	return m
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) Is(s State) bool {
	return m.State() == s
}

// IsConnecting reports whether a connection flow is in progress.
func (m *Machine) IsConnecting() bool {
	return m.State().IsPartOfConnectionFlow()
}

// Become moves the machine to s. The hooks see the transition before it is
// published.
func (m *Machine) Become(s State) {
	from := m.State()
	m.hooks.Becoming(from, s)
	m.state.Store(int32(s))
}

// Disconnect moves the machine to Disconnected and runs the cleanup hook. It
// returns false, doing nothing, if the machine was already disconnected.
func (m *Machine) Disconnect() bool {
	if m.Is(Disconnected) {
		return false
	}
	m.Become(Disconnected)
	m.hooks.Disconnected()
	return true
}
