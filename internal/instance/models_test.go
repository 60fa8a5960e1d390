package instance

import (
	"net"
	"strings"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ImagePath:      writeTempImage(t),
		MemoryMB:       2048,
		CPUs:           2,
		PortRangeStart: 22400,
		PortRangeEnd:   22500,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	base := validConfig(t)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty image", func(c *Config) { c.ImagePath = "" }},
		{"missing image", func(c *Config) { c.ImagePath = c.ImagePath + ".gone" }},
		{"directory image", func(c *Config) { c.ImagePath = t.TempDir() }},
		{"inverted port range", func(c *Config) { c.PortRangeStart = 22500; c.PortRangeEnd = 22400 }},
		{"zero memory", func(c *Config) { c.MemoryMB = 0 }},
		{"max below initial", func(c *Config) { c.MaxMemoryMB = 1024 }},
		{"zero cpus", func(c *Config) { c.CPUs = 0 }},
	}
	for _, c := range cases {
		cfg := base
		c.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestNetdevArgs(t *testing.T) {
	d := BridgeDescriptor{
		Name:   "virbr0",
		HostIP: net.ParseIP("192.168.122.1"),
		Helper: "/usr/lib/qemu/qemu-bridge-helper",
		MAC:    "52:54:00:76:24:07",
	}
	joined := strings.Join(d.NetdevArgs("br0"), " ")
	if joined != "-netdev bridge,id=br0,br=virbr0,helper=/usr/lib/qemu/qemu-bridge-helper -device virtio-net-pci,netdev=br0,mac=52:54:00:76:24:07" {
		t.Fatalf("unexpected netdev args: %s", joined)
	}

	d.Helper = ""
	joined = strings.Join(d.NetdevArgs("br0"), " ")
	if strings.Contains(joined, "helper=") {
		t.Fatalf("expected no helper fragment: %s", joined)
	}
}
