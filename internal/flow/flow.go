package flow

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/conn"
)

var (
	// ErrAborted is reported by steps whose flow was abandoned.
	ErrAborted = errors.New("connection flow aborted")
	// ErrConnectRejected is reported when a chained proxy answers a CONNECT
	// with a non-2xx status.
	ErrConnectRejected = errors.New("chained proxy rejected CONNECT")
)

// Executor carries out steps for a Flow. Every method except Execute on an
// OffLoop step is called on the connection's loop.
type Executor interface {
	// Become moves leg to state.
	Become(leg Leg, state conn.State)
	// Execute performs s and reports its outcome through done, either before
	// returning or later from any goroutine.
	Execute(s Step, done func(error))
	// Post runs fn on the loop; it returns false if the loop is gone.
	Post(fn func()) bool
	// Succeeded is called once every step completed. forward is false if a
	// step suppressed the initial request.
	Succeeded(forward bool)
	// Failed is called once with the error that stopped the flow.
	Failed(err error)
}

// Flow runs a sequence of steps against an Executor. Apart from the step
// bodies themselves, all of its methods run on the loop.
type Flow struct {
	ex       Executor
	steps    []Step
	idx      int
	suppress bool
	finished bool
	log      logr.Logger
}

func New(ex Executor, steps []Step, log logr.Logger) *Flow {
	return &Flow{ex: ex, steps: steps, idx: -1, log: log}
}

// Start executes the first step.
func (f *Flow) Start() {
	f.advance()
}

// Abort stops the flow; remaining steps never execute and the outcome of the
// running one is ignored.
func (f *Flow) Abort() {
	f.finished = true
}

// Done reports whether the flow succeeded, failed or was aborted.
func (f *Flow) Done() bool {
	return f.finished
}

// Current returns the running step.
func (f *Flow) Current() (Step, bool) {
	if f.finished || f.idx < 0 || f.idx >= len(f.steps) {
		return Step{}, false
	}
	return f.steps[f.idx], true
}

// Read hands a response that arrived during the flow to the running step.
// Only AwaitRead steps use it; it reports whether the response was consumed.
func (f *Flow) Read(resp *http.Response) bool {
	s, ok := f.Current()
	if !ok || !s.AwaitRead {
		return false
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.log.V(1).Info("chained proxy accepted CONNECT", "status", resp.Status)
		f.advance()
		return true
	}
	f.fail(fmt.Errorf("%w: %s", ErrConnectRejected, resp.Status))
	return true
}

func (f *Flow) advance() {
	if f.finished {
		return
	}
	f.idx++
	if f.idx >= len(f.steps) {
		f.finished = true
		f.ex.Succeeded(!f.suppress)
		return
	}

	s := f.steps[f.idx]
	f.log.V(1).Info("executing flow step", "step", s.Kind, "leg", s.Leg, "state", s.State)
	f.ex.Become(s.Leg, s.State)
	f.suppress = f.suppress || s.SuppressInitial

	done := f.completion(f.idx)
	if s.OffLoop {
		go f.ex.Execute(s, done)
		return
	}
	f.ex.Execute(s, done)
}

// completion returns the callback for step idx. It may be called from any
// goroutine, at most once takes effect, and always lands on the loop.
func (f *Flow) completion(idx int) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			f.ex.Post(func() { f.completed(idx, err) })
		})
	}
}

func (f *Flow) completed(idx int, err error) {
	if f.finished || idx != f.idx {
		return
	}
	if err != nil {
		f.fail(fmt.Errorf("%s: %w", f.steps[idx].Kind, err))
		return
	}
	if f.steps[idx].AwaitRead {
		return
	}
	f.advance()
}

func (f *Flow) fail(err error) {
	if f.finished {
		return
	}
	f.finished = true
	f.ex.Failed(err)
}
