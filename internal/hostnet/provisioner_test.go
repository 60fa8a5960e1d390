package hostnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tkoster/vmup/internal/instance"
)

// hostCalls records which mutating steps of the provisioning sequence ran.
type hostCalls struct {
	ipForward int
	commands  []string
	networks  []string
	acls      []string
	helpers   int
}

func stubHostOps(t *testing.T, bridgeIP net.IP, afterIP net.IP) *hostCalls {
	t.Helper()
	calls := &hostCalls{}

	prevEUID := geteuid
	prevBridge := bridgeIPv4
	prevForward := enableIPForward
	prevRun := runCommand
	prevNetwork := ensureNetwork
	prevACL := ensureBridgeACL
	prevHelper := ensureBridgeHelper
	prevFind := findBridgeHelper

	geteuid = func() int { return 0 }
	first := true
	bridgeIPv4 = func(name string) (net.IP, error) {
		if first {
			first = false
			return bridgeIP, nil
		}
		return afterIP, nil
	}
	enableIPForward = func() error {
		calls.ipForward++
		return nil
	}
	runCommand = func(ctx context.Context, name string, args ...string) error {
		calls.commands = append(calls.commands, name+" "+strings.Join(args, " "))
		return nil
	}
	ensureNetwork = func(uri, name, xml string, logger *slog.Logger) error {
		calls.networks = append(calls.networks, name)
		return nil
	}
	ensureBridgeACL = func(bridge string) error {
		calls.acls = append(calls.acls, bridge)
		return nil
	}
	ensureBridgeHelper = func() (string, error) {
		calls.helpers++
		return "/usr/lib/qemu/qemu-bridge-helper", nil
	}
	findBridgeHelper = func() (string, error) {
		return "/usr/lib/qemu/qemu-bridge-helper", nil
	}

	t.Cleanup(func() {
		geteuid = prevEUID
		bridgeIPv4 = prevBridge
		enableIPForward = prevForward
		runCommand = prevRun
		ensureNetwork = prevNetwork
		ensureBridgeACL = prevACL
		ensureBridgeHelper = prevHelper
		findBridgeHelper = prevFind
	})
	return calls
}

func TestEnsureProvisionsWhenBridgeMissing(t *testing.T) {
	calls := stubHostOps(t, nil, net.ParseIP("192.168.122.1"))

	p := &Provisioner{NetworkName: "default", BridgeName: "virbr0"}
	desc, err := p.Ensure(context.Background(), 22400)
	if err != nil {
		t.Fatalf("Ensure unexpected error: %v", err)
	}
	if desc.Name != "virbr0" {
		t.Fatalf("expected bridge virbr0, got %s", desc.Name)
	}
	if desc.HostIP.String() != "192.168.122.1" {
		t.Fatalf("expected host IP 192.168.122.1, got %s", desc.HostIP)
	}
	if desc.MAC != DeriveMAC(22400) {
		t.Fatalf("expected derived MAC, got %s", desc.MAC)
	}
	if calls.ipForward != 1 {
		t.Fatalf("expected ip forwarding enabled once, got %d", calls.ipForward)
	}
	if len(calls.commands) != 1 || calls.commands[0] != "systemctl enable --now libvirtd" {
		t.Fatalf("expected libvirtd enablement, got %v", calls.commands)
	}
	if len(calls.networks) != 1 || calls.networks[0] != "default" {
		t.Fatalf("expected network default ensured, got %v", calls.networks)
	}
	if len(calls.acls) != 1 || calls.acls[0] != "virbr0" {
		t.Fatalf("expected ACL for virbr0, got %v", calls.acls)
	}
}

func TestEnsureSkipsProvisionedBridge(t *testing.T) {
	calls := stubHostOps(t, net.ParseIP("192.168.122.1"), nil)

	p := &Provisioner{NetworkName: "default", BridgeName: "virbr0"}
	desc, err := p.Ensure(context.Background(), 22451)
	if err != nil {
		t.Fatalf("Ensure unexpected error: %v", err)
	}
	if calls.ipForward != 0 || len(calls.commands) != 0 || len(calls.networks) != 0 || len(calls.acls) != 0 || calls.helpers != 0 {
		t.Fatalf("expected no host mutations on an addressed bridge, got %+v", calls)
	}
	if desc.HostIP.String() != "192.168.122.1" {
		t.Fatalf("expected existing host IP, got %s", desc.HostIP)
	}
	if desc.Helper == "" {
		t.Fatal("expected helper path on the fast path")
	}
}

func TestEnsureRequiresRoot(t *testing.T) {
	stubHostOps(t, nil, nil)
	prev := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = prev })

	p := &Provisioner{NetworkName: "default", BridgeName: "virbr0"}
	_, err := p.Ensure(context.Background(), 22400)
	if !errors.Is(err, instance.ErrBridgeSetup) {
		t.Fatalf("expected ErrBridgeSetup, got %v", err)
	}
}

func TestEnsureFailsWhenBridgeStaysUnaddressed(t *testing.T) {
	stubHostOps(t, nil, nil)

	p := &Provisioner{NetworkName: "default", BridgeName: "virbr0"}
	_, err := p.Ensure(context.Background(), 22400)
	if !errors.Is(err, instance.ErrBridgeSetup) {
		t.Fatalf("expected ErrBridgeSetup, got %v", err)
	}
}

func TestDeriveMAC(t *testing.T) {
	if mac := DeriveMAC(22400); mac != "52:54:00:76:24:00" {
		t.Fatalf("unexpected MAC for 22400: %s", mac)
	}
	if mac := DeriveMAC(22451); mac != "52:54:00:76:24:51" {
		t.Fatalf("unexpected MAC for 22451: %s", mac)
	}
	if DeriveMAC(22400) != DeriveMAC(22400) {
		t.Fatal("expected deterministic MAC derivation")
	}
	if DeriveMAC(22400) == DeriveMAC(22401) {
		t.Fatal("expected distinct MACs for distinct ports")
	}
}

func TestEnsureBridgeACLWritesMissingRule(t *testing.T) {
	dir := t.TempDir()
	prev := bridgeConfPath
	bridgeConfPath = filepath.Join(dir, "bridge.conf")
	t.Cleanup(func() { bridgeConfPath = prev })

	// Chown to root fails without privileges; only exercise the write path
	// when running as root, otherwise check the content anyway.
	err := defaultEnsureBridgeACL("virbr0")
	data, readErr := os.ReadFile(bridgeConfPath)
	if readErr != nil {
		t.Fatalf("expected bridge.conf to be written: %v (ensure err: %v)", readErr, err)
	}
	if string(data) != "allow virbr0\n" {
		t.Fatalf("unexpected bridge.conf content: %q", data)
	}
}

func TestEnsureBridgeACLKeepsExistingRule(t *testing.T) {
	dir := t.TempDir()
	prev := bridgeConfPath
	bridgeConfPath = filepath.Join(dir, "bridge.conf")
	t.Cleanup(func() { bridgeConfPath = prev })

	content := "# managed\nallow virbr0\n"
	if err := os.WriteFile(bridgeConfPath, []byte(content), 0o600); err != nil {
		t.Fatalf("seed bridge.conf: %v", err)
	}

	if err := defaultEnsureBridgeACL("virbr0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(bridgeConfPath)
	if err != nil {
		t.Fatalf("read bridge.conf: %v", err)
	}
	if string(data) != content {
		t.Fatalf("expected file untouched, got %q", data)
	}
}

func TestRenderNetworkXML(t *testing.T) {
	xml, err := renderNetworkXML("default", "virbr0")
	if err != nil {
		t.Fatalf("renderNetworkXML unexpected error: %v", err)
	}
	if !strings.Contains(xml, "<name>default</name>") {
		t.Fatalf("expected network name in XML: %s", xml)
	}
	if !strings.Contains(xml, `name="virbr0"`) && !strings.Contains(xml, "name='virbr0'") {
		t.Fatalf("expected bridge name in XML: %s", xml)
	}
}
