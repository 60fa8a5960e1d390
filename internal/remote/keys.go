package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyManager generates and loads the ed25519 key pair used for guest access.
// Keys live under {Dir}/id_ed25519[.pub].
type KeyManager struct {
	Dir string
}

func (m *KeyManager) PrivateKeyPath() string {
	return filepath.Join(m.Dir, "id_ed25519")
}

func (m *KeyManager) PublicKeyPath() string {
	return m.PrivateKeyPath() + ".pub"
}

// EnsureKeyPair generates the key pair if it does not exist yet and returns
// the private and public key paths.
func (m *KeyManager) EnsureKeyPair() (string, string, error) {
	privPath := m.PrivateKeyPath()
	pubPath := m.PublicKeyPath()

	if m.KeyPairExists() {
		return privPath, pubPath, nil
	}

	if err := os.MkdirAll(m.Dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "vmup key")
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		_ = os.Remove(privPath)
		return "", "", fmt.Errorf("convert public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " vmup\n"
	if err := os.WriteFile(pubPath, []byte(line), 0o644); err != nil {
		_ = os.Remove(privPath)
		return "", "", fmt.Errorf("write public key: %w", err)
	}

	return privPath, pubPath, nil
}

// KeyPairExists reports whether both halves of the key pair are present.
func (m *KeyManager) KeyPairExists() bool {
	_, privErr := os.Stat(m.PrivateKeyPath())
	_, pubErr := os.Stat(m.PublicKeyPath())
	return privErr == nil && pubErr == nil
}

// AuthorizedKey returns the public key line suitable for authorized_keys.
func (m *KeyManager) AuthorizedKey() (string, error) {
	data, err := os.ReadFile(m.PublicKeyPath())
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
