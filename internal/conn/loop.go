package conn

import (
	"sync"
)

// Loop runs posted tasks one at a time, in the order they were posted, on a
// single goroutine. Everything that mutates a connection's state runs on its
// Loop, so connection fields need no further locking.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It returns false if the loop has been
// closed, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself. It returns false if fn did not run because the loop
// was closed.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// The loop drains everything queued before Close, so fn may still
		// have run.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Run executes tasks until Close is called and the queue is drained.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

// Close stops the loop accepting new tasks. Tasks already queued still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
