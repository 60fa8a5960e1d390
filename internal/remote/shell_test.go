package remote

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShellDefaults(t *testing.T) {
	s := &SSHShell{}
	if s.host() != "127.0.0.1" {
		t.Fatalf("expected loopback host, got %s", s.host())
	}
	if s.user() != "root" {
		t.Fatalf("expected root user, got %s", s.user())
	}
	if s.timeout() != DefaultConnectTimeout {
		t.Fatalf("expected default timeout, got %s", s.timeout())
	}
	if addr := s.addr(22405); addr != "127.0.0.1:22405" {
		t.Fatalf("unexpected addr: %s", addr)
	}
}

func TestClientConfigAuthOrder(t *testing.T) {
	m := &KeyManager{Dir: t.TempDir()}
	priv, _, err := m.EnsureKeyPair()
	if err != nil {
		t.Fatalf("EnsureKeyPair unexpected error: %v", err)
	}

	s := &SSHShell{User: "admin", Password: "secret", KeyPath: priv, ConnectTimeout: 2 * time.Second}
	cfg := s.clientConfig()

	if cfg.User != "admin" {
		t.Fatalf("expected user admin, got %s", cfg.User)
	}
	// Key first, password fallback.
	if len(cfg.Auth) != 2 {
		t.Fatalf("expected 2 auth methods, got %d", len(cfg.Auth))
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("expected configured timeout, got %s", cfg.Timeout)
	}
}

func TestClientConfigUnreadableKeyFallsBack(t *testing.T) {
	s := &SSHShell{Password: "secret", KeyPath: filepath.Join(t.TempDir(), "missing")}
	cfg := s.clientConfig()
	if len(cfg.Auth) != 1 {
		t.Fatalf("expected password auth only, got %d methods", len(cfg.Auth))
	}
}

func TestForgetScrubsPortEntry(t *testing.T) {
	path := writeKnownHosts(t, knownHostsFixture)

	s := &SSHShell{KnownHostsPath: path}
	if err := s.Forget(22405); err != nil {
		t.Fatalf("Forget unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if strings.Contains(string(data), "[127.0.0.1]:22405") {
		t.Fatalf("expected entry to be scrubbed:\n%s", data)
	}
	if !strings.Contains(string(data), "[127.0.0.1]:22406") {
		t.Fatalf("expected other ports to survive:\n%s", data)
	}
}
