package netconfig

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sort"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const defaultMode = 0o640

// defaultGroup is the group systemd-networkd expects to own a .netdev file
// carrying a private key, mirroring the upstream convention.
const defaultGroup = "systemd-network"

// Reloader triggers whatever mechanism makes the host network manager pick
// up a rewritten config. The Linux implementation restarts systemd-networkd;
// other platforms get a no-op so tests and non-Linux builds don't depend on
// systemctl being present.
type Reloader interface {
	Reload() error
}

// Apply atomically rewrites the .netdev/.network pair for c and asks dir's
// Reloader to pick up the change. It never leaves a partial file visible:
// each file is written to a temporary sibling, fsynced, then renamed over
// the target.
func (c *Config) Apply(dir string, reloader Reloader) error {
	netdevFile := netdevPath(dir, c.Interface)
	networkFile := networkPath(dir, c.Interface)

	mode := c.netdevMode
	if mode == 0 {
		mode = defaultMode
	}

	if err := atomicWrite(netdevFile, []byte(c.renderNetdev()), mode); err != nil {
		return fmt.Errorf("write %s: %w", netdevFile, err)
	}
	chownBestEffort(netdevFile, defaultGroup)

	if err := atomicWrite(networkFile, []byte(c.renderNetwork()), mode); err != nil {
		return fmt.Errorf("write %s: %w", networkFile, err)
	}

	if reloader == nil {
		return nil
	}
	return reloader.Reload()
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(dirOf(path), "."+baseOf(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// renderNetdev produces the .netdev file: an interface stanza followed by
// one repeated [WireGuardPeer] stanza per peer, sorted by public key for a
// deterministic diff between ticks. systemd's repeated-section INI dialect
// isn't something the ini.v1 writer models cleanly, so this is built as
// plain text — the same approach the format's upstream tooling takes.
func (c *Config) renderNetdev() string {
	peers := make([]PeerConfig, len(c.Peers))
	copy(peers, c.Peers)
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PublicKey.String() < peers[j].PublicKey.String()
	})

	out := fmt.Sprintf(
		"[NetDev]\nName=%s\nKind=wireguard\nDescription=wiresmith mesh interface\nMTUBytes=1280\n\n[WireGuard]\nListenPort=%d\nPrivateKey=%s\n",
		c.Interface, c.Port, c.PrivateKey.String(),
	)
	for _, p := range peers {
		out += fmt.Sprintf(
			"\n[WireGuardPeer]\nPublicKey=%s\nEndpoint=%s\nAllowedIPs=%s\nPersistentKeepalive=25\n",
			p.PublicKey.String(), p.Endpoint.String(), p.AllowedIPs.String(),
		)
	}
	return out
}

func (c *Config) renderNetwork() string {
	return fmt.Sprintf("[Match]\nName=%s\n\n[Network]\nAddress=%s\n", c.Interface, c.Address.String())
}

func logDroppedPeer(path string, err error) {
	slog.Warn("dropping unparseable WireGuardPeer section", "path", path, "error", err)
}

// New builds a fresh Config for a newly provisioned interface: a generated
// key pair and no peers yet.
func New(iface string, address netip.Prefix, port uint16) (*Config, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &Config{
		Interface:  iface,
		Address:    address,
		Port:       port,
		PrivateKey: key,
	}, nil
}
