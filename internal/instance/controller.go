package instance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tkoster/vmup/internal/logging"
)

// Controller sequences the lifecycle stages for a single instance and owns
// its handle. Any stage failure aborts the remaining sequence with the stage
// name attached; completed stages are not rolled back. In particular a launch
// failure leaves the bridge provisioned, since bridges are shared across runs.
type Controller struct {
	Config Config
	Logger *slog.Logger

	Ports     PortAllocator
	Bridge    BridgeProvisioner
	Launcher  Launcher
	Readiness ReadinessWatcher
	Guest     GuestResolver
	Shell     Shell
}

// NewController wires a controller with the default implementations of every
// stage. The shell and bridge provisioner are the caller's concern since they
// carry credentials and host state.
func NewController(cfg Config, shell Shell, bridge BridgeProvisioner, logger *slog.Logger) *Controller {
	logger = logging.Ensure(logger)
	return &Controller{
		Config:    cfg,
		Logger:    logger,
		Ports:     &TCPPortAllocator{Logger: logger},
		Bridge:    bridge,
		Launcher:  &QEMULauncher{Logger: logger},
		Readiness: &SSHReadinessWatcher{Shell: shell, Logger: logger},
		Guest:     &RouteGuestResolver{Shell: shell, Logger: logger},
		Shell:     shell,
	}
}

// Up drives the instance from not running to reachable. On success the handle
// holds the allocated port, the running state and, when bridging was enabled
// and resolvable, the guest IP.
func (c *Controller) Up(ctx context.Context) (Handle, error) {
	handle := Handle{
		ID:    uuid.New().String(),
		State: StateUnstarted,
	}
	logger := logging.Ensure(c.Logger).With("instance", handle.ID)

	port, err := c.Ports.Allocate(ctx, c.Config.PortRangeStart, c.Config.PortRangeEnd)
	if err != nil {
		handle.State = StateFailed
		return handle, &StageError{Stage: StageAllocatePort, Err: err}
	}
	handle.Port = port
	handle.State = StatePortAllocated
	logger = logger.With("port", port)
	logger.Info("allocated forward port")

	if c.Config.Bridged {
		desc, err := c.Bridge.Ensure(ctx, port)
		if err != nil {
			handle.State = StateFailed
			return handle, &StageError{Stage: StageEnsureBridge, Err: err}
		}
		handle.Bridge = &desc
		handle.State = StateBridgeReady
		logger.Info("bridge network ready", "bridge", desc.Name, "host_ip", desc.HostIP, "mac", desc.MAC)
	}

	if err := c.Launcher.Launch(ctx, c.Config, port, handle.Bridge); err != nil {
		handle.State = StateFailed
		return handle, &StageError{Stage: StageLaunch, Err: err}
	}
	handle.State = StateLaunched

	if err := c.Readiness.WaitReady(ctx, port); err != nil {
		handle.State = StateFailed
		return handle, &StageError{Stage: StageWaitReady, Err: err}
	}
	handle.State = StateRunning

	if c.Config.Bridged && handle.Bridge != nil {
		ip, err := c.Guest.ResolveIP(ctx, port, handle.Bridge.HostIP)
		if err != nil {
			// Non-fatal: the instance runs without the discovered address.
			logger.Warn("instance is running but its bridge address was not resolved", "error", err)
		} else {
			handle.GuestIP = ip
			logger.Info("resolved guest address", "guest_ip", ip)
		}
	}

	logger.Info("instance is ready")
	return handle, nil
}

// Down stops the instance behind the given port by issuing a remote shutdown.
// No provisioning is involved and the instance's existence is not verified
// beyond the shutdown command's own outcome.
func (c *Controller) Down(ctx context.Context, port int) error {
	logger := logging.Ensure(c.Logger).With("port", port)
	logger.Info("requesting guest shutdown")

	if err := c.Shell.Shutdown(ctx, port); err != nil {
		return &StageError{
			Stage: StageShutdown,
			Err:   fmt.Errorf("%w: %v", ErrShutdownFailed, err),
		}
	}
	logger.Info("guest shutdown requested")
	return nil
}
