package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"

	"github.com/die-net/waypoint/internal/activity"
	"github.com/die-net/waypoint/internal/testutil"
)

type panickingTracker struct {
	activity.Adapter
}

func (panickingTracker) RequestReceivedFromClient(activity.FlowContext, *http.Request) {
	panic("tracker bug")
}

func (panickingTracker) BytesSentToClient(activity.FlowContext, int) {
	panic("tracker bug")
}

func TestProxyTrackerPanicIsContained(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tracked")
	}))
	defer origin.Close()

	_, addr := startProxy(t, Config{Tracker: panickingTracker{}})
	c := dialProxy(t, addr)
	for range 2 {
		c.send(get(hostOf(t, origin), "/"))
		resp, body := c.read(http.MethodGet)
		if resp.StatusCode != http.StatusOK || body != "tracked" {
			t.Fatalf("got %d %q", resp.StatusCode, body)
		}
	}
}

// slowDialer delays every dial.
type slowDialer struct {
	delay time.Duration
	d     net.Dialer
}

func (s *slowDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.d.DialContext(ctx, network, address)
}

// A request that gave up waiting for the connection is answered with 504 and
// does not hold up the responses behind it.
func TestProxyConnectWaitTimeout(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	}))
	defer origin.Close()
	host := hostOf(t, origin)

	_, addr := startProxy(t, Config{
		Dialer:         &slowDialer{delay: 300 * time.Millisecond},
		ConnectTimeout: 100 * time.Millisecond,
	})
	c := dialProxy(t, addr)
	c.send(get(host, "/1") + get(host, "/2"))

	resp, body := c.read(http.MethodGet)
	if resp.StatusCode != http.StatusOK || body != "ok /1" {
		t.Fatalf("first: got %d %q", resp.StatusCode, body)
	}
	resp, body = c.read(http.MethodGet)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("second: got %d %q, want 504", resp.StatusCode, body)
	}

	c.send(get(host, "/3"))
	resp, body = c.read(http.MethodGet)
	if resp.StatusCode != http.StatusOK || body != "ok /3" {
		t.Fatalf("third: got %d %q", resp.StatusCode, body)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(paths, ",") != "/1,/3" {
		t.Fatalf("origin saw %v", paths)
	}
}

type unattributedCounter struct {
	activity.Adapter
	n atomic.Int32
}

func (u *unattributedCounter) UnattributedResponse(activity.FullFlowContext, *http.Response) {
	u.n.Add(1)
}

// lines collects log output.
type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(prefix, args string) {
	l.mu.Lock()
	l.all = append(l.all, args)
	l.mu.Unlock()
}

func (l *lines) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.all {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func TestProxyUnattributedResponse(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	// The origin answers /extra twice.
	desync := testutil.StartServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
			if req.URL.Path == "/extra" {
				resp += "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nextra"
			}
			if _, err := io.WriteString(c, resp); err != nil {
				return
			}
		}
	})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, "slow")
	}))
	t.Cleanup(slow.Close)
	host, slowHost := desync.Addr().String(), hostOf(t, slow)

	tests := []struct {
		name string
		send string
		want []string
	}{
		{
			name: "relayed when nothing is outstanding",
			send: get(host, "/extra"),
			want: []string{"ok", "extra"},
		},
		{
			name: "dropped behind an outstanding request",
			send: get(slowHost, "/") + get(host, "/extra"),
			want: []string{"slow", "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logged := &lines{}
			tracker := &unattributedCounter{}
			_, addr := startProxy(t, Config{
				Tracker: tracker,
				Log:     funcr.New(logged.add, funcr.Options{}),
			})
			c := dialProxy(t, addr)
			c.send(tt.send)
			for _, want := range tt.want {
				resp, body := c.read(http.MethodGet)
				if resp.StatusCode != http.StatusOK || body != want {
					t.Fatalf("got %d %q, want %q", resp.StatusCode, body, want)
				}
			}
			waitFor(t, "unattributed response", func() bool { return tracker.n.Load() == 1 })
			if !logged.contains("response with no outstanding request") {
				t.Fatal("unattributed response was not logged")
			}

			// The client connection is still in step with the origin.
			c.send(get(host, "/plain"))
			if resp, body := c.read(http.MethodGet); resp.StatusCode != http.StatusOK || body != "ok" {
				t.Fatalf("follow-up got %d %q", resp.StatusCode, body)
			}
		})
	}
}
