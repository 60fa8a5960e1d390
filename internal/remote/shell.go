// Package remote implements the remote-shell boundary over SSH: liveness
// probes, guest commands and shutdown requests against the loopback host and
// a forwarded port. Connections are ephemeral and locally forwarded, so host
// keys are not verified; stale known-hosts entries are scrubbed instead.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tkoster/vmup/internal/instance"
	"github.com/tkoster/vmup/internal/logging"
)

// DefaultConnectTimeout bounds a single connection attempt, separate from any
// overall readiness deadline.
const DefaultConnectTimeout = 5 * time.Second

// SSHShell talks to the guest as a fixed administrative account.
type SSHShell struct {
	Host     string // defaults to 127.0.0.1
	User     string // defaults to root
	Password string
	KeyPath  string // optional private key, tried before the password

	ConnectTimeout time.Duration
	KnownHostsPath string // defaults to ~/.ssh/known_hosts
	Logger         *slog.Logger
}

func (s *SSHShell) host() string {
	if s.Host != "" {
		return s.Host
	}
	return "127.0.0.1"
}

func (s *SSHShell) user() string {
	if s.User != "" {
		return s.User
	}
	return "root"
}

func (s *SSHShell) timeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (s *SSHShell) addr(port int) string {
	return net.JoinHostPort(s.host(), strconv.Itoa(port))
}

func (s *SSHShell) clientConfig() *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if s.KeyPath != "" {
		if signer, err := loadSigner(s.KeyPath); err == nil {
			auth = append(auth, ssh.PublicKeys(signer))
		} else {
			logging.Ensure(s.Logger).Warn("could not load ssh key", "path", s.KeyPath, "error", err)
		}
	}
	auth = append(auth, ssh.Password(s.Password))

	return &ssh.ClientConfig{
		User: s.user(),
		Auth: auth,
		// The target is an ephemeral guest behind a local forward.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout(),
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func (s *SSHShell) dial(ctx context.Context, port int) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", s.addr(port), s.clientConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(port), err)
	}
	return client, nil
}

// Probe connects and immediately disconnects.
func (s *SSHShell) Probe(ctx context.Context, port int) error {
	client, err := s.dial(ctx, port)
	if err != nil {
		return err
	}
	return client.Close()
}

// Run executes a command on the guest and returns its combined output.
func (s *SSHShell) Run(ctx context.Context, port int, command string) (string, error) {
	client, err := s.dial(ctx, port)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), nil
}

// Shutdown asks the guest to power off. The guest usually tears the
// connection down before reporting an exit status; that counts as success.
func (s *SSHShell) Shutdown(ctx context.Context, port int) error {
	client, err := s.dial(ctx, port)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	err = session.Run("poweroff")
	if err == nil || isConnectionTorndown(err) {
		return nil
	}
	return fmt.Errorf("run poweroff: %w", err)
}

func isConnectionTorndown(err error) bool {
	var missing *ssh.ExitMissingError
	return errors.As(err, &missing) || errors.Is(err, io.EOF)
}

// Forget drops the cached host identity for the port from the user's
// known-hosts file.
func (s *SSHShell) Forget(port int) error {
	path := s.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	marker := fmt.Sprintf("[%s]:%d", s.host(), port)
	return scrubKnownHosts(path, marker)
}

var _ instance.Shell = (*SSHShell)(nil)
