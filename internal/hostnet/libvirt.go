package hostnet

import (
	"fmt"
	"log/slog"

	libvirt "libvirt.org/go/libvirt"
)

// defaultEnsureNetwork makes the named libvirt network exist, run and
// autostart. Defining a network that already exists is treated as satisfied,
// not as an error.
func defaultEnsureNetwork(uri, name, networkXML string, logger *slog.Logger) error {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return fmt.Errorf("connect %s: %w", uri, err)
	}
	defer conn.Close()

	network, err := conn.LookupNetworkByName(name)
	if err != nil {
		network, err = conn.NetworkDefineXML(networkXML)
		if err != nil {
			return fmt.Errorf("define network %s: %w", name, err)
		}
		logger.Info("defined libvirt network", "network", name)
	}
	defer network.Free()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("query network active: %w", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("start network %s: %w", name, err)
		}
		logger.Info("started libvirt network", "network", name)
	}

	if err := network.SetAutostart(true); err != nil {
		logger.Warn("unable to set network autostart", "network", name, "error", err)
	}
	return nil
}
