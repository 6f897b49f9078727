package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "ssh", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv, "sitepub@ci")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " sitepub@ci\n") {
		t.Fatalf("unexpected public key line %q", pub)
	}
	st, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode %v", st.Mode().Perm())
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("generated key does not load: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("unexpected key type %s", signer.PublicKey().Type())
	}
	onDisk, err := os.ReadFile(priv + ".pub")
	if err != nil || string(onDisk) != pub {
		t.Fatalf("public key file mismatch: %v", err)
	}
}

func TestLoadPrivateKeySignerMissing(t *testing.T) {
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "none")); err == nil {
		t.Fatalf("expected error")
	}
}
