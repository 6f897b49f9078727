package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host using an authorized_keys line.
func AppendKnownHost(path, host, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	return appendKnownHostKey(path, host, pubKey)
}

func appendKnownHostKey(path, host string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{host}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errKeyCaptured = errors.New("host key captured")

// TrustHost fetches the host key offered at addr (host:port) and records it in
// the known_hosts file, the way ssh-keyscan would. It returns the key's
// SHA256 fingerprint so the operator can compare it out of band.
func TrustHost(ctx context.Context, path, addr string, timeout time.Duration) (string, error) {
	var captured xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: "sitepub",
		HostKeyCallback: func(_ string, _ net.Addr, key xssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	d := NetDialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if captured == nil {
		return "", fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if err := appendKnownHostKey(path, addr, captured); err != nil {
		return "", err
	}
	return xssh.FingerprintSHA256(captured), nil
}
