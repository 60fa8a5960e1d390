package remote

import (
	"os"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestEnsureKeyPairGeneratesOnce(t *testing.T) {
	m := &KeyManager{Dir: t.TempDir()}

	priv, pub, err := m.EnsureKeyPair()
	if err != nil {
		t.Fatalf("EnsureKeyPair unexpected error: %v", err)
	}
	if !m.KeyPairExists() {
		t.Fatal("expected key pair to exist after generation")
	}

	privData, err := os.ReadFile(priv)
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	if _, err := ssh.ParsePrivateKey(privData); err != nil {
		t.Fatalf("generated private key does not parse: %v", err)
	}

	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected private key mode 0600, got %o", perm)
	}

	// A second call must not regenerate.
	pubBefore, err := os.ReadFile(pub)
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	if _, _, err := m.EnsureKeyPair(); err != nil {
		t.Fatalf("second EnsureKeyPair unexpected error: %v", err)
	}
	pubAfter, err := os.ReadFile(pub)
	if err != nil {
		t.Fatalf("reread public key: %v", err)
	}
	if string(pubBefore) != string(pubAfter) {
		t.Fatal("expected existing key pair to be kept")
	}
}

func TestAuthorizedKey(t *testing.T) {
	m := &KeyManager{Dir: t.TempDir()}
	if _, _, err := m.EnsureKeyPair(); err != nil {
		t.Fatalf("EnsureKeyPair unexpected error: %v", err)
	}

	line, err := m.AuthorizedKey()
	if err != nil {
		t.Fatalf("AuthorizedKey unexpected error: %v", err)
	}
	if !strings.HasPrefix(line, "ssh-ed25519 ") {
		t.Fatalf("expected an ed25519 authorized key line, got %q", line)
	}
	if !strings.HasSuffix(line, " vmup") {
		t.Fatalf("expected key comment, got %q", line)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
		t.Fatalf("authorized key line does not parse: %v", err)
	}
}

func TestAuthorizedKeyMissing(t *testing.T) {
	m := &KeyManager{Dir: t.TempDir()}
	if _, err := m.AuthorizedKey(); err == nil {
		t.Fatal("expected error when no key pair exists")
	}
}
