package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/tkoster/vmup/internal/logging"
)

// RouteGuestResolver discovers the guest's bridge-facing address by reading
// its routing table over the remote shell: the route whose gateway is the
// bridge's host IP names the interface, and the interface carries the
// assigned address. Resolution failures are reported as ErrGuestUnresolved;
// the instance is usable without the address.
type RouteGuestResolver struct {
	Shell  Shell
	Logger *slog.Logger
}

func (r *RouteGuestResolver) ResolveIP(ctx context.Context, port int, bridgeHostIP net.IP) (net.IP, error) {
	logger := logging.Ensure(r.Logger).With("port", port)

	routes, err := r.Shell.Run(ctx, port, "ip route show")
	if err != nil {
		return nil, fmt.Errorf("%w: query routing table: %v", ErrGuestUnresolved, err)
	}

	ifname := interfaceForGateway(routes, bridgeHostIP)
	if ifname == "" {
		return nil, fmt.Errorf("%w: no route via %s", ErrGuestUnresolved, bridgeHostIP)
	}
	logger.Debug("found bridge-facing interface", "interface", ifname)

	addrs, err := r.Shell.Run(ctx, port, "ip -4 addr show dev "+ifname)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrGuestUnresolved, ifname, err)
	}

	ip := firstInetAddr(addrs)
	if ip == nil {
		return nil, fmt.Errorf("%w: interface %s has no address", ErrGuestUnresolved, ifname)
	}
	return ip, nil
}

// interfaceForGateway returns the outgoing device of the first route whose
// gateway equals gw, from `ip route show` output.
func interfaceForGateway(output string, gw net.IP) string {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		var via, dev string
		for i := 0; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				via = fields[i+1]
			case "dev":
				dev = fields[i+1]
			}
		}
		if via == "" || dev == "" {
			continue
		}
		if ip := net.ParseIP(via); ip != nil && ip.Equal(gw) {
			return dev
		}
	}
	return ""
}

// firstInetAddr extracts the first IPv4 address from `ip addr show` output.
func firstInetAddr(output string) net.IP {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "inet" {
				continue
			}
			addr := fields[i+1]
			if slash := strings.IndexByte(addr, '/'); slash >= 0 {
				addr = addr[:slash]
			}
			if ip := net.ParseIP(addr); ip != nil {
				return ip
			}
		}
	}
	return nil
}

var _ GuestResolver = (*RouteGuestResolver)(nil)
