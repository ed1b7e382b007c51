package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/waypoint/internal/ssh"
)

// SSHProxyDialer opens TCP streams as "direct-tcpip" channels over one
// shared SSH transport, created lazily on the first dial. Canceling a dial's
// context closes only that channel.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer through the SSH server at sshAddr.
// Password and key auth are both offered when both are configured.
// cfg.SSHKeyPath may name a key file or "agent". With cfg.SSHKnownHostsPath
// set, host keys are pinned on first use; otherwise they are not checked.
func NewSSHProxyDialer(ctx context.Context, cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := internalssh.LoadSigners(ctx, cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshConfig: internalssh.ClientConfig{
			Username:         username,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeyCallback,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a proxied TCP connection to address.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh proxy dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// OpenChannelError means the transport is healthy and only the
		// destination failed.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}

		// Transport may be dead. Reconnect once and retry.
		f.invalidateClient(client)
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, err
		}
		upConn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &sshChannelConn{Conn: upConn, stop: stop}, nil
}

// Close tears down the shared transport and every channel on it.
func (f *SSHProxyDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// getClient returns the shared client, connecting at most once at a time.
// The connect itself is not bound to ctx so that other waiters can still
// use its result.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		newClient, err := f.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = newClient
		f.mu.Unlock()
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	client, err := internalssh.NewClient(conn, f.sshConfig, f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	return client, nil
}

// invalidateClient drops stale if it is still the shared client.
func (f *SSHProxyDialer) invalidateClient(stale *ssh.Client) {
	f.mu.Lock()
	if f.client != stale {
		f.mu.Unlock()
		return
	}
	f.client = nil
	f.mu.Unlock()
	_ = stale.Close()
}

type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
