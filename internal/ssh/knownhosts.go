package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback checks host keys against the known_hosts file at path,
// recording keys of hosts seen for the first time. A key that differs from
// the recorded one is rejected. An empty path disables checking.
func NewHostKeyCallback(path string, log logr.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create known_hosts: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key for %s changed: %w", hostname, err)
		}

		if err := appendKnownHost(path, hostname, key); err != nil {
			return err
		}
		// knownhosts.New only reads the file once.
		if check, err = knownhosts.New(path); err != nil {
			return fmt.Errorf("reload known_hosts: %w", err)
		}
		log.Info("Added ssh host key", "host", hostname, "file", path, "type", key.Type())
		return nil
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}
