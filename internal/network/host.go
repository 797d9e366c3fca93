package network

import (
	"context"
	"fmt"
	"net"

	"example.com/backstage/services/endpoint/internal/core"
)

// HostStation treats a host network interface as the station. Association
// with the access point is managed by the host; the station only reports
// whether the interface holds a routable address.
type HostStation struct {
	name string
}

// NewHostStation watches the named interface, or the first usable one
// when name is empty.
func NewHostStation(name string) *HostStation {
	return &HostStation{name: name}
}

func (h *HostStation) Connect(ctx context.Context, ssid, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	iface, err := h.iface()
	if err != nil {
		return err
	}
	if !hasAddress(iface) {
		return fmt.Errorf("%w: %s has no address", core.ErrLinkDown, iface.Name)
	}
	return nil
}

func (h *HostStation) Connected() bool {
	iface, err := h.iface()
	return err == nil && hasAddress(iface)
}

func (h *HostStation) HardwareAddr() (net.HardwareAddr, error) {
	iface, err := h.iface()
	if err != nil {
		return nil, err
	}
	return iface.HardwareAddr, nil
}

func (h *HostStation) iface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if h.name != "" {
			if iface.Name == h.name {
				if iface.Flags&net.FlagUp == 0 {
					return nil, fmt.Errorf("%w: %s is down", core.ErrLinkDown, iface.Name)
				}
				return iface, nil
			}
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return iface, nil
	}
	if h.name != "" {
		return nil, fmt.Errorf("%w: interface %s not found", core.ErrLinkDown, h.name)
	}
	return nil, fmt.Errorf("%w: no usable interface", core.ErrLinkDown)
}

func hasAddress(iface *net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipnet.IP; !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}
