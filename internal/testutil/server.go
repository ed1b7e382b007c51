package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartServer runs handler on its own goroutine for every accepted
// connection. The listener closes when ctx ends or the test finishes.
func StartServer(t *testing.T, ctx context.Context, handler func(net.Conn)) net.Listener {
	t.Helper()

	ln := listen(t, ctx)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handler(c)
			}()
		}
	}()

	return ln
}

// StartSingleAcceptServer handles exactly one connection. The returned func
// closes the listener and waits for handler to return.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listen(t, ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// UnusedAddr returns a loopback address nothing is listening on.
func UnusedAddr(t *testing.T) string {
	t.Helper()

	ln := listen(t, context.Background())
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func listen(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	t.Cleanup(func() {
		stop()
		_ = ln.Close()
	})
	return ln
}
