// Package peer defines the on-wire Peer record published to the KV store
// and its conversions to WireGuard configuration fragments.
package peer

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PersistentKeepalive is the keepalive interval applied to every peer
// section in the generated WireGuard config.
const PersistentKeepalive = 25

// Endpoint is a host-or-IP plus UDP port, as published by a peer for others
// to dial. Host may be a hostname or a literal IP address.
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint parses a "host:port" string, accepting bracketed IPv6 hosts.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint port %q: %w", s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: empty host", s)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// String renders the endpoint as "host:port", bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Peer is the canonical published record for a single mesh member.
type Peer struct {
	PublicKey wgtypes.Key
	Endpoint  Endpoint
	Address   netip.Addr
}

// wireRecord is the compact JSON shape published under
// <prefix>/peers/<public_key>.
type wireRecord struct {
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	Address   string `json:"address"`
}

// MarshalJSON renders the peer in its canonical compact wire form.
func (p Peer) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		PublicKey: p.PublicKey.String(),
		Endpoint:  p.Endpoint.String(),
		Address:   p.Address.String(),
	})
}

// UnmarshalJSON parses a peer from its wire form without validating CIDR
// containment — use Parse for that.
func (p *Peer) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal peer record: %w", err)
	}

	key, err := wgtypes.ParseKey(w.PublicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	ep, err := ParseEndpoint(w.Endpoint)
	if err != nil {
		return err
	}

	addr, err := netip.ParseAddr(w.Address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", w.Address, err)
	}

	p.PublicKey = key
	p.Endpoint = ep
	p.Address = addr
	return nil
}

// Parse decodes a peer record and rejects one whose address falls outside
// mesh. Per spec.md §4.2, records violating mesh containment are rejected
// by the caller (skipped with a warning), not silently accepted.
func Parse(data []byte, mesh netip.Prefix) (Peer, error) {
	var p Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return Peer{}, err
	}
	if !mesh.Contains(p.Address) {
		return Peer{}, fmt.Errorf("address %s is outside mesh %s", p.Address, mesh)
	}
	return p, nil
}

// AllowedIPs returns the host-length prefix used as this peer's
// AllowedIPs in a WireGuard config: /32 for IPv4, /128 for IPv6.
func (p Peer) AllowedIPs() netip.Prefix {
	bits := 32
	if p.Address.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(p.Address, bits)
}

// Key returns the KV key suffix this peer is published under
// (<prefix>/peers/<Key()>) — the public key's standard base64 form.
func (p Peer) Key() string {
	return p.PublicKey.String()
}
