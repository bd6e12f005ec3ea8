// Package netconfig reads and writes the systemd-networkd .netdev/.network
// pair that describes the local WireGuard interface, and queries the
// kernel for per-peer liveness data.
package netconfig

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/ini.v1"

	"wiresmith/internal/peer"
)

// InvalidError means an existing config file could not be parsed, or
// parsed to a value that violates an invariant (e.g. an address outside
// the mesh CIDR). Per spec, this is fatal: the operator must resolve it.
type InvalidError struct {
	Path string
	Err  error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid network config at %s: %v", e.Path, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// PeerConfig is one [WireGuardPeer] stanza.
type PeerConfig struct {
	PublicKey  wgtypes.Key
	Endpoint   peer.Endpoint
	AllowedIPs netip.Prefix
}

// Config is the full local WireGuard interface configuration: the
// .netdev's [WireGuard]/[WireGuardPeer] stanzas plus the .network's
// [Network] address.
type Config struct {
	Interface  string
	Address    netip.Prefix
	Port       uint16
	PrivateKey wgtypes.Key
	Peers      []PeerConfig

	// netdevMode records the prior file's permission bits, so Apply keeps
	// them rather than reset to a default. netdevGroup is not filled in by
	// Load and not read by Apply: the group is always set (best-effort) to
	// systemd-network, not carried over from the prior file.
	netdevMode  os.FileMode
	netdevGroup string
}

func netdevPath(dir, iface string) string {
	return filepath.Join(dir, iface+".netdev")
}

func networkPath(dir, iface string) string {
	return filepath.Join(dir, iface+".network")
}

// Load parses an existing .netdev/.network pair for iface out of dir. It
// returns os.ErrNotExist (wrapped) if no .netdev file exists yet — the
// caller's cue to generate a fresh configuration instead.
func Load(dir, iface string, mesh netip.Prefix) (*Config, error) {
	netdevFile := netdevPath(dir, iface)
	info, err := os.Stat(netdevFile)
	if os.IsNotExist(err) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", netdevFile, err)
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true}, netdevFile)
	if err != nil {
		return nil, &InvalidError{Path: netdevFile, Err: err}
	}

	wgSection, err := cfg.GetSection("WireGuard")
	if err != nil {
		return nil, &InvalidError{Path: netdevFile, Err: fmt.Errorf("missing [WireGuard] section: %w", err)}
	}
	if !wgSection.HasKey("PrivateKey") || !wgSection.HasKey("ListenPort") {
		return nil, &InvalidError{Path: netdevFile, Err: fmt.Errorf("[WireGuard] section missing PrivateKey or ListenPort")}
	}
	privateKey, err := wgtypes.ParseKey(wgSection.Key("PrivateKey").String())
	if err != nil {
		return nil, &InvalidError{Path: netdevFile, Err: fmt.Errorf("parse PrivateKey: %w", err)}
	}
	port, err := wgSection.Key("ListenPort").Uint()
	if err != nil {
		return nil, &InvalidError{Path: netdevFile, Err: fmt.Errorf("parse ListenPort: %w", err)}
	}

	var peers []PeerConfig
	peerSections, _ := cfg.SectionsByName("WireGuardPeer")
	for _, sec := range peerSections {
		pc, err := parsePeerSection(sec)
		if err != nil {
			logDroppedPeer(netdevFile, err)
			continue
		}
		peers = append(peers, pc)
	}

	networkFile := networkPath(dir, iface)
	netCfg, err := ini.Load(networkFile)
	if err != nil {
		return nil, &InvalidError{Path: networkFile, Err: err}
	}
	netSection, err := netCfg.GetSection("Network")
	if err != nil {
		return nil, &InvalidError{Path: networkFile, Err: fmt.Errorf("missing [Network] section: %w", err)}
	}
	address, err := netip.ParsePrefix(netSection.Key("Address").String())
	if err != nil {
		return nil, &InvalidError{Path: networkFile, Err: fmt.Errorf("parse Address: %w", err)}
	}
	if !mesh.Contains(address.Addr()) {
		return nil, &InvalidError{Path: networkFile, Err: fmt.Errorf("address %s is outside mesh %s", address, mesh)}
	}

	return &Config{
		Interface:   iface,
		Address:     address,
		Port:        uint16(port),
		PrivateKey:  privateKey,
		Peers:       peers,
		netdevMode:  info.Mode().Perm(),
		netdevGroup: "",
	}, nil
}

func parsePeerSection(sec *ini.Section) (PeerConfig, error) {
	if !sec.HasKey("PublicKey") || !sec.HasKey("Endpoint") || !sec.HasKey("AllowedIPs") {
		return PeerConfig{}, fmt.Errorf("WireGuardPeer section missing a required key")
	}
	key, err := wgtypes.ParseKey(sec.Key("PublicKey").String())
	if err != nil {
		return PeerConfig{}, fmt.Errorf("parse PublicKey: %w", err)
	}
	ep, err := peer.ParseEndpoint(sec.Key("Endpoint").String())
	if err != nil {
		return PeerConfig{}, err
	}
	allowed, err := netip.ParsePrefix(sec.Key("AllowedIPs").String())
	if err != nil {
		return PeerConfig{}, fmt.Errorf("parse AllowedIPs: %w", err)
	}
	return PeerConfig{PublicKey: key, Endpoint: ep, AllowedIPs: allowed}, nil
}
