package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKey is the key path that selects the running SSH agent.
const AgentKey = "agent"

// AgentSigners returns every key held by the agent at $SSH_AUTH_SOCK.
func AgentSigners(ctx context.Context) ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh agent: %w", err)
	}
	// The signers use conn for as long as they live, so it stays open.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list ssh agent keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh agent holds no keys")
	}
	return signers, nil
}

// LoadPrivateKey reads an OpenSSH private key file.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// LoadSigners returns no signers for an empty keyPath, the agent's keys for
// AgentKey, and otherwise the key in the file at keyPath.
func LoadSigners(ctx context.Context, keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentKey:
		return AgentSigners(ctx)
	}

	signer, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return []ssh.Signer{signer}, nil
}
