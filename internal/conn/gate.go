package conn

import (
	"sync"
	"time"
)

// DefaultConnectWait bounds how long a write waits for an in-flight connect.
const DefaultConnectWait = 30 * time.Second

// Gate lets writers that arrive while a connection is being established wait
// for the outcome without blocking the loop. Continuations run in the order
// they were registered, each exactly once.
type Gate struct {
	mu      sync.Mutex
	open    bool
	waiters []*waiter
}

type waiter struct {
	fn    func(timedOut bool)
	timer *time.Timer
}

// Reset closes the gate for a new connection attempt.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

// Wait registers fn to run when the gate opens, or with timedOut set if it
// stays closed for longer than timeout. If the gate is already open fn runs
// immediately.
func (g *Gate) Wait(timeout time.Duration, fn func(timedOut bool)) {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		fn(false)
		return
	}
	w := &waiter{fn: fn}
	w.timer = time.AfterFunc(timeout, func() { g.expire(w) })
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()
}

// Open releases every waiter in FIFO order.
func (g *Gate) Open() {
	g.mu.Lock()
	g.open = true
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.fn(false)
	}
}

// Waiting reports how many continuations are registered.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Gate) expire(w *waiter) {
	g.mu.Lock()
	// Waiters share one timeout, so everything registered before w has
	// expired too; release them together to keep FIFO order.
	idx := -1
	for i, o := range g.waiters {
		if o == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.mu.Unlock()
		return
	}
	expired := g.waiters[:idx+1:idx+1]
	g.waiters = g.waiters[idx+1:]
	g.mu.Unlock()

	for _, o := range expired {
		o.timer.Stop()
		o.fn(true)
	}
}
