// Package ipam allocates mesh addresses deterministically from a CIDR,
// given the set of addresses already in use by other peers.
package ipam

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/c-robinson/iplib"
)

// ExhaustedError is returned when no free address remains in a CIDR.
type ExhaustedError struct {
	CIDR netip.Prefix
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no usable address available in %s", e.CIDR)
}

// Allocate returns the lowest usable address in cidr that is not the
// network or broadcast address (nor the unspecified address for IPv6) and
// is not present in inUse.
//
// Determinism is the point: two nodes scanning the same cidr with the same
// inUse set always pick the same address, which — combined with the
// distributed lock that serializes reads and writes — prevents
// double-allocation even under tight races.
func Allocate(cidr netip.Prefix, inUse map[netip.Addr]struct{}) (netip.Addr, error) {
	cidr = cidr.Masked()
	if cidr.Addr().Is4() {
		return allocateV4(cidr, inUse)
	}
	return allocateV6(cidr, inUse)
}

// Validate reports whether addr is a legal, assignable member of cidr:
// inside the prefix and not its network or broadcast address.
func Validate(addr netip.Addr, cidr netip.Prefix) error {
	cidr = cidr.Masked()
	if !cidr.Contains(addr) {
		return fmt.Errorf("address %s is not inside %s", addr, cidr)
	}
	if addr.Is4() {
		net4 := iplib.NewNet4(net.IP(cidr.Addr().AsSlice()), cidr.Bits())
		if ipEqual(addr, net4.NetworkAddress()) || ipEqual(addr, net4.BroadcastAddress()) {
			return fmt.Errorf("address %s is the network or broadcast address of %s", addr, cidr)
		}
		return nil
	}
	if addr == cidr.Addr() || addr.IsUnspecified() {
		return fmt.Errorf("address %s is the network address of %s", addr, cidr)
	}
	return nil
}

func allocateV4(cidr netip.Prefix, inUse map[netip.Addr]struct{}) (netip.Addr, error) {
	net4 := iplib.NewNet4(net.IP(cidr.Addr().AsSlice()), cidr.Bits())
	network := net4.NetworkAddress()
	broadcast := net4.BroadcastAddress()

	for addr := cidr.Addr(); addr.IsValid() && cidr.Contains(addr); addr = addr.Next() {
		if ipEqual(addr, network) || ipEqual(addr, broadcast) {
			continue
		}
		if _, used := inUse[addr]; used {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, &ExhaustedError{CIDR: cidr}
}

func allocateV6(cidr netip.Prefix, inUse map[netip.Addr]struct{}) (netip.Addr, error) {
	network := cidr.Addr()

	for addr := cidr.Addr(); addr.IsValid() && cidr.Contains(addr); addr = addr.Next() {
		if addr == network || addr.IsUnspecified() {
			continue
		}
		if _, used := inUse[addr]; used {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, &ExhaustedError{CIDR: cidr}
}

func ipEqual(a netip.Addr, b net.IP) bool {
	parsed, ok := netip.AddrFromSlice(b)
	if !ok {
		return false
	}
	return a == parsed.Unmap()
}
