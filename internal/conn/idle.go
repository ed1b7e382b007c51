package conn

import (
	"sync"
	"sync/atomic"
	"time"
)

// IdleTimer calls a function once no activity has been recorded for the
// configured duration. Touch is safe to call from any goroutine.
type IdleTimer struct {
	d    time.Duration
	fn   func()
	last atomic.Int64

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
	expired bool
}

// NewIdleTimer starts a timer. A non-positive d disables it.
func NewIdleTimer(d time.Duration, fn func()) *IdleTimer {
	it := &IdleTimer{d: d, fn: fn}
	it.Touch()
	if d > 0 {
		it.t = time.AfterFunc(d, it.check)
	}
	return it
}

// Touch records activity.
func (it *IdleTimer) Touch() {
	it.last.Store(time.Now().UnixNano())
}

func (it *IdleTimer) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stopped = true
	it.expired = false
	if it.t != nil {
		it.t.Stop()
	}
}

func (it *IdleTimer) check() {
	idle := time.Since(time.Unix(0, it.last.Load()))

	it.mu.Lock()
	if it.stopped {
		it.mu.Unlock()
		return
	}
	if idle < it.d {
		it.t.Reset(it.d - idle)
		it.mu.Unlock()
		return
	}
	it.stopped = true
	it.expired = true
	it.mu.Unlock()

	it.fn()
}

// Restart re-arms a timer that has fired. It does nothing after Stop.
func (it *IdleTimer) Restart() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.expired {
		return
	}
	it.expired = false
	it.stopped = false
	it.Touch()
	it.t.Reset(it.d)
}
