// Package endpoint resolves the address this node advertises to its peers
// for dialing WireGuard traffic.
package endpoint

import (
	"fmt"
	"net"
	"net/netip"
)

// ResolveInterface returns the first global-scope address configured on
// ifaceName, preferring the address family of preferFamily (an IPv4 or
// IPv6 address used only to pick a family, e.g. the mesh CIDR's address).
func ResolveInterface(ifaceName string, preferFamily netip.Addr) (netip.Addr, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("find interface %s: %w", ifaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses on %s: %w", ifaceName, err)
	}

	candidates := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !isGlobalUnicast(addr) {
			continue
		}
		candidates = append(candidates, addr)
	}
	if len(candidates) == 0 {
		return netip.Addr{}, fmt.Errorf("no global-scope address found on interface %s", ifaceName)
	}

	for _, addr := range candidates {
		if addr.Is4() == preferFamily.Is4() {
			return addr, nil
		}
	}
	return candidates[0], nil
}

func isGlobalUnicast(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return !addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
