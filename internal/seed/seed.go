// Package seed builds cloud-init NoCloud seed images that grant the
// orchestrator's administrative account access to the guest.
package seed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"
)

// NoCloud requires this volume label to pick the seed up.
const volumeLabel = "CIDATA"

// Config describes the guest account the seed configures.
type Config struct {
	Hostname      string
	User          string
	Password      string
	AuthorizedKey string // OpenSSH public key line, optional
	GuestSSHPort  int    // sshd listen port inside the guest
}

type userDataUser struct {
	Name              string   `yaml:"name"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	PlainTextPasswd   string   `yaml:"plain_text_passwd,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
}

type userData struct {
	Users      []userDataUser `yaml:"users"`
	SSHPwauth  bool           `yaml:"ssh_pwauth"`
	DisableEC2 bool           `yaml:"disable_ec2_metadata"`
	RunCmd     [][]string     `yaml:"runcmd,omitempty"`
}

// Build writes a NoCloud seed ISO to imagePath.
func Build(imagePath string, cfg Config) error {
	if imagePath == "" {
		return errors.New("seed image path is empty")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "vmup-guest"
	}

	stageDir, err := os.MkdirTemp("", "vmup-seed-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	meta := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", uuid.New().String(), cfg.Hostname)
	if err := os.WriteFile(filepath.Join(stageDir, "meta-data"), []byte(meta), 0o644); err != nil {
		return fmt.Errorf("write meta-data: %w", err)
	}

	user, err := renderUserData(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stageDir, "user-data"), []byte(user), 0o644); err != nil {
		return fmt.Errorf("write user-data: %w", err)
	}

	return writeISO(stageDir, imagePath)
}

func renderUserData(cfg Config) (string, error) {
	account := userDataUser{
		Name:            cfg.User,
		LockPasswd:      false,
		PlainTextPasswd: cfg.Password,
		Sudo:            "ALL=(ALL) NOPASSWD:ALL",
		Shell:           "/bin/bash",
	}
	if key := strings.TrimSpace(cfg.AuthorizedKey); key != "" {
		account.SSHAuthorizedKeys = []string{key}
	}

	data := userData{
		Users:      []userDataUser{account},
		SSHPwauth:  cfg.Password != "",
		DisableEC2: true,
	}
	if cfg.GuestSSHPort > 0 && cfg.GuestSSHPort != 22 {
		data.RunCmd = [][]string{
			{"sh", "-c", fmt.Sprintf("echo 'Port %d' >> /etc/ssh/sshd_config", cfg.GuestSSHPort)},
			{"systemctl", "restart", "sshd"},
		}
	}

	body, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal user-data: %w", err)
	}
	return "#cloud-config\n" + string(body), nil
}

func writeISO(sourceDir, imagePath string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
