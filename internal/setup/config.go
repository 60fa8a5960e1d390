package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ConfigDir = "/etc/vmup"

// Defaults are the host-wide settings applied to every instance unless
// overridden on the command line.
type Defaults struct {
	NetworkName string `yaml:"network_name"`
	BridgeName  string `yaml:"bridge_name"`
	PortStart   int    `yaml:"port_start"`
	PortEnd     int    `yaml:"port_end"`
	MemoryMB    int    `yaml:"memory_mb"`
	MaxMemoryMB int    `yaml:"max_memory_mb"`
	CPUs        int    `yaml:"cpus"`
	GuestUser   string `yaml:"guest_user"`
	GuestPort   int    `yaml:"guest_port"`
	StateDir    string `yaml:"state_dir"`
}

// DefaultConfig mirrors the built-in defaults written on first use.
var DefaultConfig = Defaults{
	NetworkName: "default",
	BridgeName:  "virbr0",
	PortStart:   22400,
	PortEnd:     22500,
	MemoryMB:    2048,
	CPUs:        2,
	GuestUser:   "root",
	GuestPort:   22222,
	StateDir:    "/var/lib/vmup",
}

func configPath() string {
	return filepath.Join(ConfigDir, "config.yaml")
}

// Load reads the defaults file, writing the built-in defaults on first use.
// A missing config directory is not an error; the built-ins are returned.
func Load() (Defaults, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if writeErr := writeConfigFile(DefaultConfig); writeErr != nil {
				getLogger().Warn("could not persist default config", "error", writeErr)
			}
			return DefaultConfig, nil
		}
		return Defaults{}, fmt.Errorf("read persisted config: %w", err)
	}

	persisted := DefaultConfig
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return Defaults{}, fmt.Errorf("decode persisted config: %w", err)
	}
	return persisted, nil
}

// LoadFile reads defaults from an explicit path, without writing anything.
func LoadFile(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("read config %s: %w", path, err)
	}
	persisted := DefaultConfig
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return Defaults{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return persisted, nil
}

func writeConfigFile(cfg Defaults) error {
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := configPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, configPath()); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
