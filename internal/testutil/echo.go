package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// StartEchoTCPServer echoes every accepted connection back to itself until
// ctx ends.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	return StartServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}
