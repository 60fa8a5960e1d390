package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/tkoster/vmup/internal/logging"
)

// launchGrace is how long a freshly started emulator is watched for an
// immediate exit before the launch is considered accepted.
const launchGrace = 500 * time.Millisecond

// kvmAvailable reports whether hardware acceleration can be used. Swapped out
// in tests.
var kvmAvailable = func() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func emulatorBinary() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "qemu-system-x86_64", nil
	case "arm64":
		return "qemu-system-aarch64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
	}
}

// machineArgs selects the emulated hardware profile from host capabilities:
// the accelerated profile when /dev/kvm is usable, a generic software-emulated
// one otherwise.
func machineArgs() []string {
	if kvmAvailable() {
		return []string{"-machine", "q35,accel=kvm", "-cpu", "host"}
	}
	return []string{"-machine", "q35", "-cpu", "qemu64"}
}

// buildEmulatorArgs assembles the full argument list for one instance. The
// user-mode netdev always carries the SSH forward; the bridge device is
// appended only when a descriptor is present.
func buildEmulatorArgs(cfg Config, port int, bridge *BridgeDescriptor) []string {
	args := append([]string{}, machineArgs()...)

	if cfg.MaxMemoryMB > 0 {
		args = append(args, "-m", fmt.Sprintf("size=%dM,slots=2,maxmem=%dM", cfg.MemoryMB, cfg.MaxMemoryMB))
	} else {
		args = append(args, "-m", fmt.Sprintf("%dM", cfg.MemoryMB))
	}
	args = append(args, "-smp", fmt.Sprintf("%d", cfg.CPUs))

	format := cfg.DiskFormat
	if format == "" {
		format = "qcow2"
	}
	args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=%s", cfg.ImagePath, format))
	if cfg.SeedImage != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,media=cdrom,if=virtio,readonly=on", cfg.SeedImage))
	}

	args = append(args,
		"-netdev", fmt.Sprintf("user,id=fwd0,hostfwd=tcp:127.0.0.1:%d-:%d", port, cfg.GuestPort),
		"-device", "virtio-net-pci,netdev=fwd0",
	)
	if bridge != nil {
		args = append(args, bridge.NetdevArgs("br0")...)
	}

	args = append(args, "-display", "none")
	return args
}

// launchDetached starts the emulator in its own session with output captured
// to logPath, then watches it for an early exit within the grace window.
// Swapped out in tests.
var launchDetached = func(binary string, args []string, logPath string) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open emulator log: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start %s: %w", binary, err)
	}
	_ = logFile.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case waitErr := <-exited:
		detail := tailFile(logPath)
		if waitErr != nil {
			return fmt.Errorf("%s exited during startup: %v: %s", binary, waitErr, detail)
		}
		return fmt.Errorf("%s exited immediately: %s", binary, detail)
	case <-time.After(launchGrace):
		return nil
	}
}

func tailFile(path string) string {
	const tailBytes = 512

	f, err := os.Open(path)
	if err != nil {
		return "(no log output)"
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "(no log output)"
	}
	if info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return "(no log output)"
		}
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return "(no log output)"
	}
	return strings.TrimSpace(string(data))
}

// QEMULauncher starts instances under QEMU. The orchestrator does not own the
// emulator's lifetime; the process is left running in its own session.
type QEMULauncher struct {
	Logger *slog.Logger
}

func (l *QEMULauncher) Launch(ctx context.Context, cfg Config, port int, bridge *BridgeDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	binary, err := emulatorBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrLaunchFailed, binary)
	}

	args := buildEmulatorArgs(cfg, port, bridge)

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	logPath := filepath.Join(stateDir, fmt.Sprintf("qemu-%d.log", port))

	logger := logging.Ensure(l.Logger)
	logger.Debug("starting emulator", "binary", binary, "log", logPath, "args", strings.Join(args, " "))

	if err := launchDetached(binary, args, logPath); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	logger.Info("emulator started", "port", port, "bridged", bridge != nil)
	return nil
}

var _ Launcher = (*QEMULauncher)(nil)
