package instance

import (
	"context"
	"net"
)

// The interfaces below are the capability boundaries the controller
// coordinates. Each external system (host port space, virtual network
// subsystem, emulator process, remote shell) sits behind one of them, with a
// real implementation in this module and stubs in the tests, so the state
// machine can be exercised without touching the host.

// PortAllocator finds an unused host port for the guest's SSH forward.
type PortAllocator interface {
	Allocate(ctx context.Context, start, end int) (int, error)
}

// BridgeProvisioner ensures the host bridge network exists and is usable by
// the emulator. It must be idempotent; the controller may be re-run against
// a host that is already provisioned.
type BridgeProvisioner interface {
	Ensure(ctx context.Context, port int) (BridgeDescriptor, error)
}

// Launcher starts the emulator as a detached background process. It returns
// once the process has been accepted by the OS, surfacing immediate startup
// failures without waiting for guest boot.
type Launcher interface {
	Launch(ctx context.Context, cfg Config, port int, bridge *BridgeDescriptor) error
}

// ReadinessWatcher blocks until the guest accepts remote-shell connections on
// the forwarded port, or its deadline elapses.
type ReadinessWatcher interface {
	WaitReady(ctx context.Context, port int) error
}

// GuestResolver queries a reachable guest for the address it was assigned on
// the bridge-facing interface.
type GuestResolver interface {
	ResolveIP(ctx context.Context, port int, bridgeHostIP net.IP) (net.IP, error)
}

// Shell is the remote-shell boundary: a liveness probe, command execution and
// a shutdown request, all addressed to the loopback host and a forwarded port.
type Shell interface {
	// Forget drops any cached host identity for the port. A previous
	// instance may have used the same port with a different guest.
	Forget(port int) error
	Probe(ctx context.Context, port int) error
	Run(ctx context.Context, port int, command string) (string, error)
	Shutdown(ctx context.Context, port int) error
}
