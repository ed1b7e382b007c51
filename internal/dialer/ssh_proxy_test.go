package dialer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/waypoint/internal/testutil"
)

func TestSSHProxyDialerDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoTCPServer(t, ctx)
	echoLn2 := testutil.StartEchoTCPServer(t, ctx)
	sshLn := testutil.StartSSHServer(t, ctx, "user", "pass")

	cfg := Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHostsPath:  filepath.Join(t.TempDir(), "known_hosts"),
	}
	d, err := NewSSHProxyDialer(ctx, cfg, sshLn.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn1.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	// The second channel reuses the transport.
	first := d.client
	c2, err := d.DialContext(ctx, "tcp", echoLn2.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))
	if d.client != first {
		t.Fatal("expected shared ssh client")
	}
}

func TestSSHProxyDialerDestinationRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := testutil.StartSSHServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(ctx, Config{NegotiationTimeout: 2 * time.Second}, sshLn.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	_, err = d.DialContext(ctx, "tcp", testutil.UnusedAddr(t))
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenChannelError, got %v", err)
	}
	if d.client == nil {
		t.Fatal("transport should survive a refused channel")
	}
}

func TestSSHProxyDialerBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := testutil.StartSSHServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(ctx, Config{NegotiationTimeout: 2 * time.Second}, sshLn.Addr().String(), "user", "wrong")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSSHProxyDialerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := NewSSHProxyDialer(context.Background(), Config{}, "127.0.0.1:1", "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
}
