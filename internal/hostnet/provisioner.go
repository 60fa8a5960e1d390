// Package hostnet provisions the host side of the bridge network: IP
// forwarding, the libvirt management daemon, the named NAT network, and the
// qemu bridge helper permissions. Every step is idempotent by inspection, so
// a failed run can simply be retried; there is no rollback.
package hostnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/tkoster/vmup/internal/instance"
	"github.com/tkoster/vmup/internal/logging"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// Host mutations and queries are package vars so the provisioning sequence
// can be exercised in tests without root privileges.
var (
	geteuid = os.Geteuid

	// bridgeIPv4 returns the bridge's first IPv4 address, or nil when the
	// link is missing or unaddressed.
	bridgeIPv4 = func(name string) (net.IP, error) {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isLinkNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("lookup %s: %w", name, err)
		}
		addrs, err := netlink.AddrList(link, unix.AF_INET)
		if err != nil {
			return nil, fmt.Errorf("list addresses of %s: %w", name, err)
		}
		if len(addrs) == 0 {
			return nil, nil
		}
		return addrs[0].IP, nil
	}

	enableIPForward = func() error {
		return os.WriteFile(ipForwardPath, []byte("1"), 0o644)
	}

	runCommand = func(ctx context.Context, name string, args ...string) error {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s %s: %w (output: %s)",
				name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	// ensureNetwork defines, starts and autostarts the named libvirt
	// network. A network that already exists is taken as satisfied.
	ensureNetwork = defaultEnsureNetwork

	ensureBridgeACL = defaultEnsureBridgeACL

	// ensureBridgeHelper marks the qemu bridge helper setuid and returns
	// its path.
	ensureBridgeHelper = defaultEnsureBridgeHelper

	findBridgeHelper = defaultFindBridgeHelper
)

var bridgeConfPath = "/etc/qemu/bridge.conf"

var bridgeHelperPaths = []string{
	"/usr/lib/qemu/qemu-bridge-helper",
	"/usr/libexec/qemu-bridge-helper",
}

// Provisioner ensures the libvirt NAT network and its bridge are usable by
// the emulator.
type Provisioner struct {
	NetworkName   string
	BridgeName    string
	ConnectionURI string
	Logger        *slog.Logger
}

// Ensure makes the bridge network usable and returns its descriptor. When the
// bridge already carries an address the host is left untouched; otherwise the
// full provisioning sequence runs. Any step failing aborts the operation; the
// caller retries by calling Ensure again.
func (p *Provisioner) Ensure(ctx context.Context, port int) (instance.BridgeDescriptor, error) {
	logger := logging.Ensure(p.Logger).With("network", p.NetworkName, "bridge", p.BridgeName)

	fail := func(step string, err error) (instance.BridgeDescriptor, error) {
		return instance.BridgeDescriptor{}, fmt.Errorf("%w: %s: %v", instance.ErrBridgeSetup, step, err)
	}

	hostIP, err := bridgeIPv4(p.BridgeName)
	if err != nil {
		return fail("inspect bridge", err)
	}
	if hostIP != nil {
		logger.Debug("bridge already provisioned", "host_ip", hostIP)
		helper, err := findBridgeHelper()
		if err != nil {
			return fail("locate bridge helper", err)
		}
		return p.describe(port, hostIP, helper), nil
	}

	if geteuid() != 0 {
		return fail("provision", errors.New("bridge provisioning requires root"))
	}

	logger.Info("provisioning bridge network")

	if err := enableIPForward(); err != nil {
		return fail("enable ip forwarding", err)
	}
	if err := runCommand(ctx, "systemctl", "enable", "--now", "libvirtd"); err != nil {
		return fail("enable libvirtd", err)
	}

	networkXML, err := renderNetworkXML(p.NetworkName, p.BridgeName)
	if err != nil {
		return fail("render network definition", err)
	}
	if err := ensureNetwork(p.connectionURI(), p.NetworkName, networkXML, logger); err != nil {
		return fail("ensure network", err)
	}

	if err := ensureBridgeACL(p.BridgeName); err != nil {
		return fail("ensure bridge acl", err)
	}
	helper, err := ensureBridgeHelper()
	if err != nil {
		return fail("ensure bridge helper", err)
	}

	hostIP, err = bridgeIPv4(p.BridgeName)
	if err != nil {
		return fail("inspect bridge", err)
	}
	if hostIP == nil {
		return fail("inspect bridge", fmt.Errorf("%s has no address after network start", p.BridgeName))
	}

	logger.Info("bridge network provisioned", "host_ip", hostIP)
	return p.describe(port, hostIP, helper), nil
}

func (p *Provisioner) connectionURI() string {
	if p.ConnectionURI != "" {
		return p.ConnectionURI
	}
	return "qemu:///system"
}

func (p *Provisioner) describe(port int, hostIP net.IP, helper string) instance.BridgeDescriptor {
	return instance.BridgeDescriptor{
		Name:   p.BridgeName,
		HostIP: hostIP,
		Helper: helper,
		MAC:    DeriveMAC(port),
	}
}

// DeriveMAC maps the allocated port's low digits into the locally
// administered QEMU OUI, so instances sharing one bridge get distinct,
// reproducible addresses.
func DeriveMAC(port int) string {
	return fmt.Sprintf("52:54:00:76:%02d:%02d", (port/100)%100, port%100)
}

// defaultEnsureBridgeACL verifies the helper permission file carries the
// allow-rule for the bridge, rewriting it with root ownership and a
// world-readable mode only when absent or wrong.
func defaultEnsureBridgeACL(bridge string) error {
	rule := "allow " + bridge

	data, err := os.ReadFile(bridgeConfPath)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == rule {
				return nil
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", bridgeConfPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(bridgeConfPath), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(bridgeConfPath), err)
	}
	if err := os.WriteFile(bridgeConfPath, []byte(rule+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", bridgeConfPath, err)
	}
	if err := os.Chown(bridgeConfPath, 0, 0); err != nil {
		return fmt.Errorf("chown %s: %w", bridgeConfPath, err)
	}
	return nil
}

func defaultFindBridgeHelper() (string, error) {
	for _, path := range bridgeHelperPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("qemu bridge helper not found (searched %s)", strings.Join(bridgeHelperPaths, ", "))
}

func defaultEnsureBridgeHelper() (string, error) {
	path, err := findBridgeHelper()
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSetuid != 0 {
		return path, nil
	}
	if err := os.Chmod(path, info.Mode()|os.ModeSetuid); err != nil {
		return "", fmt.Errorf("mark %s setuid: %w", path, err)
	}
	return path, nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

var _ instance.BridgeProvisioner = (*Provisioner)(nil)
