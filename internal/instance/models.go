package instance

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// State describes where an instance is in its lifecycle.
type State = string

const (
	StateUnstarted     State = "unstarted"
	StatePortAllocated State = "port_allocated"
	StateBridgeReady   State = "bridge_ready"
	StateLaunched      State = "launched"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateFailed        State = "failed"
)

// Config describes a single instance. It is resolved once, before the
// controller runs, and passed by value through the call chain.
type Config struct {
	ImagePath  string
	DiskFormat string
	SeedImage  string // optional cloud-init seed ISO, attached as a CD-ROM

	MemoryMB    int
	MaxMemoryMB int // 0 disables the hotplug ceiling
	CPUs        int

	Bridged     bool
	NetworkName string
	BridgeName  string

	PortRangeStart int
	PortRangeEnd   int

	GuestUser     string
	GuestPassword string
	GuestPort     int // guest-side SSH port behind the forward

	StateDir string
}

// Validate checks the parts of the config that must hold before a launch is
// attempted. The image must reference an existing, readable regular file.
func (c Config) Validate() error {
	if c.ImagePath == "" {
		return errors.New("image path is required")
	}
	info, err := os.Stat(c.ImagePath)
	if err != nil {
		return fmt.Errorf("stat image %s: %w", c.ImagePath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("image %s is not a regular file", c.ImagePath)
	}
	f, err := os.Open(c.ImagePath)
	if err != nil {
		return fmt.Errorf("image %s is not readable: %w", c.ImagePath, err)
	}
	_ = f.Close()

	if c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.MemoryMB <= 0 {
		return errors.New("memory size is not set")
	}
	if c.MaxMemoryMB != 0 && c.MaxMemoryMB < c.MemoryMB {
		return fmt.Errorf("max memory %dM is below initial memory %dM", c.MaxMemoryMB, c.MemoryMB)
	}
	if c.CPUs <= 0 {
		return errors.New("cpu count is not set")
	}
	return nil
}

// BridgeDescriptor describes a provisioned host bridge and the guest-facing
// network device derived from it. One descriptor is produced per Ensure call;
// instances sharing the bridge differ only in their MAC.
type BridgeDescriptor struct {
	Name   string // bridge interface name, e.g. virbr0
	HostIP net.IP // host-side address of the bridge
	Helper string // path to the setuid qemu bridge helper
	MAC    string // guest device MAC, derived from the allocated port
}

// NetdevArgs returns the emulator arguments for the bridge-attached guest
// network device.
func (d BridgeDescriptor) NetdevArgs(id string) []string {
	netdev := fmt.Sprintf("bridge,id=%s,br=%s", id, d.Name)
	if d.Helper != "" {
		netdev += ",helper=" + d.Helper
	}
	return []string{
		"-netdev", netdev,
		"-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", id, d.MAC),
	}
}

// Handle is the mutable record of one instance, owned by the controller for
// the duration of an operation. The allocated port is the only part that
// survives as an external identifier.
type Handle struct {
	ID      string
	Port    int
	Bridge  *BridgeDescriptor
	State   State
	GuestIP net.IP // populated only when running with bridging enabled
}
