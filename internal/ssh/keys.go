package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair writes an unencrypted OpenSSH private key to
// privateKeyPath and its authorized_keys line to privateKeyPath+".pub".
// The authorized_keys line is returned so it can be installed on the sink host.
func GenerateEd25519Keypair(privateKeyPath, comment string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", fmt.Errorf("mkdir key dir: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	pub := xssh.MarshalAuthorizedKey(signer.PublicKey())
	if comment != "" {
		pub = append(pub[:len(pub)-1], []byte(" "+comment+"\n")...)
	}
	if err := os.WriteFile(privateKeyPath+".pub", pub, 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return string(pub), nil
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH/PEM private key file.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
