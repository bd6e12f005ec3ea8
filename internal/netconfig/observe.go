package netconfig

import (
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerStatus is what the kernel currently knows about one configured peer.
type PeerStatus struct {
	// LastTx is the peer's latest handshake time as reported by the kernel
	// (no separate last-transmission time is read), or the zero time if no
	// handshake has ever been recorded ("never").
	LastTx time.Time
}

// Observer is the capability the reconciler's garbage collector needs from
// the kernel WireGuard device: per-peer traffic timestamps for one
// interface. Abstracted by capability, like Reloader, so a fake can stand
// in for the real kernel device in tests.
type Observer interface {
	ObservePeers(iface string) (map[wgtypes.Key]PeerStatus, error)
}

// KernelObserver queries a real kernel WireGuard device via wgctrl.
type KernelObserver struct{}

// NewObserver returns the host's kernel peer-observation mechanism.
func NewObserver() Observer { return KernelObserver{} }

// ObservePeers queries the kernel WireGuard device named iface for
// per-peer traffic timestamps. wgtypes reports an unset handshake as the
// zero time already, matching the "never" case.
func (KernelObserver) ObservePeers(iface string) (map[wgtypes.Key]PeerStatus, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control socket: %w", err)
	}
	defer client.Close()

	device, err := client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", iface, err)
	}

	statuses := make(map[wgtypes.Key]PeerStatus, len(device.Peers))
	for _, p := range device.Peers {
		statuses[p.PublicKey] = PeerStatus{LastTx: p.LastHandshakeTime}
	}
	return statuses, nil
}
