package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/tkoster/vmup/internal/logging"
)

const portProbeTimeout = 250 * time.Millisecond

// portInUse reports whether something is listening on the loopback port.
// Swapped out in tests.
var portInUse = func(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// TCPPortAllocator scans a port range with TCP connect probes. The scan is
// sequential from the low end so repeated runs are deterministic, and it is a
// check rather than a reservation: the emulator binds the port later.
type TCPPortAllocator struct {
	Logger *slog.Logger
}

func (a *TCPPortAllocator) Allocate(ctx context.Context, start, end int) (int, error) {
	if start <= 0 || end < start {
		return 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	logger := logging.Ensure(a.Logger)
	for port := start; port <= end; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if portInUse(port) {
			continue
		}
		logger.Debug("allocated forward port", "port", port)
		return port, nil
	}
	return 0, fmt.Errorf("scanned %d-%d: %w", start, end, ErrNoFreePort)
}
