package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// StartSSHServer runs an SSH server that accepts username/password and
// serves "direct-tcpip" channels by dialing the requested destination.
func StartSSHServer(t *testing.T, ctx context.Context, username, password string) net.Listener {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != username || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(signer)

	return StartServer(t, ctx, func(c net.Conn) {
		_, chans, reqs, err := ssh.NewServerConn(c, cfg)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)

		for newChan := range chans {
			if newChan.ChannelType() != "direct-tcpip" {
				_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel")
				continue
			}

			var p directTCPIPPayload
			if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
				_ = newChan.Reject(ssh.Prohibited, "bad direct-tcpip payload")
				continue
			}

			d := net.Dialer{}
			dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
			if err != nil {
				_ = newChan.Reject(ssh.ConnectionFailed, "dial failed")
				continue
			}

			ch, chReqs, err := newChan.Accept()
			if err != nil {
				_ = dst.Close()
				continue
			}
			go ssh.DiscardRequests(chReqs)

			go func() {
				_ = Relay(ctx, &channelConn{Channel: ch, Conn: dst}, dst)
			}()
		}
	})
}

// channelConn lets an ssh.Channel stand in for a net.Conn in Relay. Only
// Read, Write and Close are meaningful.
type channelConn struct {
	ssh.Channel
	net.Conn
}

func (c *channelConn) Read(p []byte) (int, error)  { return c.Channel.Read(p) }
func (c *channelConn) Write(p []byte) (int, error) { return c.Channel.Write(p) }
func (c *channelConn) Close() error                { return c.Channel.Close() }
