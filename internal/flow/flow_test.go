package flow

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/die-net/waypoint/internal/conn"
)

func kinds(steps []Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Leg.String()+":"+s.Kind.String())
	}
	return out
}

func TestCompose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		plan Plan
		want []string
	}{
		{
			name: "plain request",
			want: []string{"server:ConnectChannel"},
		},
		{
			name: "plain request through https proxy",
			plan: Plan{ChainedEncryption: true, HTTPChained: true},
			want: []string{"server:ConnectChannel", "server:EncryptChannel"},
		},
		{
			name: "direct tunnel",
			plan: Plan{Connect: true},
			want: []string{"server:ConnectChannel", "server:StartTunneling", "client:RespondConnectOK", "client:StartTunneling"},
		},
		{
			name: "tunnel through http proxy",
			plan: Plan{Connect: true, HTTPChained: true},
			want: []string{"server:ConnectChannel", "server:ConnectViaChainedProxy", "server:StartTunneling", "client:RespondConnectOK", "client:StartTunneling"},
		},
		{
			name: "tunnel through https proxy",
			plan: Plan{Connect: true, HTTPChained: true, ChainedEncryption: true},
			want: []string{"server:ConnectChannel", "server:EncryptChannel", "server:ConnectViaChainedProxy", "server:StartTunneling", "client:RespondConnectOK", "client:StartTunneling"},
		},
		{
			name: "mitm",
			plan: Plan{Connect: true, MITM: true},
			want: []string{"server:ConnectChannel", "server:EncryptChannel", "client:RespondConnectOK", "server:MITMEncryptClient"},
		},
		{
			name: "mitm ignores http chaining",
			plan: Plan{Connect: true, MITM: true, HTTPChained: true},
			want: []string{"server:ConnectChannel", "server:EncryptChannel", "client:RespondConnectOK", "server:MITMEncryptClient"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Compose(tt.plan)
			if !reflect.DeepEqual(kinds(got), tt.want) {
				t.Fatalf("Compose(%+v) = %v, want %v", tt.plan, kinds(got), tt.want)
			}
			for _, s := range got {
				if s.SuppressInitial != (s.Kind == MITMEncryptClient) {
					t.Fatalf("step %s has SuppressInitial=%v", s.Kind, s.SuppressInitial)
				}
			}
		})
	}
}

// fakeExecutor records what a Flow asks of it. Steps listed in fail complete
// with an error; steps listed in hang never complete.
type fakeExecutor struct {
	loop *conn.Loop
	fail map[Kind]error
	hang map[Kind]bool

	mu        sync.Mutex
	events    []string
	result    chan string
	executing chan Step
}

func newFakeExecutor(t *testing.T) *fakeExecutor {
	t.Helper()
	ex := &fakeExecutor{
		loop:      conn.NewLoop(),
		fail:      map[Kind]error{},
		hang:      map[Kind]bool{},
		result:    make(chan string, 1),
		executing: make(chan Step, 16),
	}
	go ex.loop.Run()
	t.Cleanup(ex.loop.Close)
	return ex
}

func (ex *fakeExecutor) record(s string) {
	ex.mu.Lock()
	ex.events = append(ex.events, s)
	ex.mu.Unlock()
}

func (ex *fakeExecutor) Events() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return append([]string(nil), ex.events...)
}

func (ex *fakeExecutor) Become(leg Leg, s conn.State) {
	ex.record("become " + leg.String() + " " + s.String())
}

func (ex *fakeExecutor) Execute(s Step, done func(error)) {
	ex.record("execute " + s.Kind.String())
	ex.executing <- s
	if ex.hang[s.Kind] {
		return
	}
	done(ex.fail[s.Kind])
}

func (ex *fakeExecutor) Post(fn func()) bool { return ex.loop.Post(fn) }

func (ex *fakeExecutor) Succeeded(forward bool) {
	ex.result <- fmt.Sprintf("succeeded forward=%v", forward)
}

func (ex *fakeExecutor) Failed(err error) {
	ex.result <- "failed: " + err.Error()
}

func (ex *fakeExecutor) wait(t *testing.T) string {
	t.Helper()
	select {
	case r := <-ex.result:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("flow never finished")
	}
	return ""
}

func TestFlowRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	ex := newFakeExecutor(t)
	f := New(ex, Compose(Plan{Connect: true, MITM: true}), logr.Discard())
	ex.loop.Post(f.Start)

	if got := ex.wait(t); got != "succeeded forward=false" {
		t.Fatalf("result = %q", got)
	}
	want := []string{
		"become server CONNECTING", "execute ConnectChannel",
		"become server HANDSHAKING", "execute EncryptChannel",
		"become client AWAITING_CONNECT_OK", "execute RespondConnectOK",
		"become server HANDSHAKING", "execute MITMEncryptClient",
	}
	if got := ex.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v\nwant %v", got, want)
	}
}

func TestFlowStopsOnFailure(t *testing.T) {
	t.Parallel()

	ex := newFakeExecutor(t)
	ex.fail[EncryptChannel] = errors.New("bad certificate")
	f := New(ex, Compose(Plan{Connect: true, MITM: true}), logr.Discard())
	ex.loop.Post(f.Start)

	if got := ex.wait(t); got != "failed: EncryptChannel: bad certificate" {
		t.Fatalf("result = %q", got)
	}
	for _, e := range ex.Events() {
		if e == "execute RespondConnectOK" {
			t.Fatal("step after the failure executed")
		}
	}
}

func TestFlowAwaitRead(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "succeeded forward=true"},
		{http.StatusProxyAuthRequired, "failed: chained proxy rejected CONNECT: 407 Proxy Authentication Required"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			ex := newFakeExecutor(t)
			f := New(ex, Compose(Plan{Connect: true, HTTPChained: true}), logr.Discard())
			ex.loop.Post(f.Start)

			for s := range ex.executing {
				if s.Kind == ConnectViaChainedProxy {
					break
				}
			}
			// Execution completing does not advance an AwaitRead step.
			ex.loop.Call(func() {})
			ex.loop.Call(func() {
				if s, _ := f.Current(); s.Kind != ConnectViaChainedProxy {
					t.Errorf("current step = %s", s.Kind)
				}
			})

			resp := &http.Response{StatusCode: tt.status, Status: fmt.Sprintf("%d %s", tt.status, http.StatusText(tt.status))}
			ex.loop.Post(func() {
				if !f.Read(resp) {
					t.Error("response not consumed")
				}
			})
			if got := ex.wait(t); got != tt.want {
				t.Fatalf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlowAbortIgnoresLateCompletion(t *testing.T) {
	t.Parallel()

	ex := newFakeExecutor(t)
	ex.hang[ConnectChannel] = true
	f := New(ex, Compose(Plan{}), logr.Discard())
	ex.loop.Post(f.Start)
	<-ex.executing

	var done func(error)
	ex.loop.Call(func() {
		done = f.completion(f.idx)
		f.Abort()
	})
	done(nil)
	ex.loop.Call(func() {
		if !f.Done() {
			t.Error("aborted flow should be done")
		}
		if f.Read(&http.Response{StatusCode: http.StatusOK}) {
			t.Error("aborted flow consumed a response")
		}
	})

	select {
	case r := <-ex.result:
		t.Fatalf("aborted flow reported %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}
