package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig holds what is needed to authenticate to an SSH upstream.
type ClientConfig struct {
	Username string
	// Password is optional when Signers are set.
	Password string
	// Signers offer public key authentication, tried before the password.
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout bounds the SSH handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

// AuthMethods returns the methods to offer, public keys first.
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient runs the SSH handshake over conn. addr is the name the host key
// is checked against. conn is closed on error.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.AuthMethods(),
		HostKeyCallback: cfg.HostKeyCallback,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
