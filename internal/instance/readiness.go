package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkoster/vmup/internal/logging"
)

// Default readiness timings. The per-attempt connect timeout lives in the
// shell implementation; these bound the overall wait.
const (
	DefaultReadyTimeout = 60 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// SSHReadinessWatcher polls the forwarded port with remote-shell probes until
// the guest answers or the deadline elapses. The wait is synchronous; elapsed
// time is accounted in whole poll intervals.
type SSHReadinessWatcher struct {
	Shell  Shell
	Logger *slog.Logger

	// Timeout and Interval default to DefaultReadyTimeout and
	// DefaultPollInterval when zero.
	Timeout  time.Duration
	Interval time.Duration

	// Sleep is swapped in tests to simulate elapsed time.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (w *SSHReadinessWatcher) WaitReady(ctx context.Context, port int) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	logger := logging.Ensure(w.Logger).With("port", port)

	// A previous instance may have answered on this port with a different
	// identity; drop it before the first probe.
	if err := w.Shell.Forget(port); err != nil {
		logger.Warn("could not drop stale host identity", "error", err)
	}

	logger.Info("waiting for guest to accept connections", "timeout", timeout)

	var elapsed time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Shell.Probe(ctx, port); err == nil {
			logger.Info("guest is reachable", "elapsed", elapsed)
			return nil
		} else {
			logger.Debug("guest not reachable yet", "elapsed", elapsed, "error", err)
		}

		elapsed += interval
		if elapsed >= timeout {
			return fmt.Errorf("%w: no answer on port %d after %s", ErrReadyTimeout, port, timeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ ReadinessWatcher = (*SSHReadinessWatcher)(nil)
