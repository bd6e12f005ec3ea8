package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wiresmith/internal/check"
	"wiresmith/internal/ipam"
	"wiresmith/internal/kv"
	"wiresmith/internal/netconfig"
	"wiresmith/internal/peer"
)

// graceWindow is the minimum age a peer record must reach, with no
// observed handshake, before it becomes a garbage-collection candidate.
func (r *Reconciler) graceWindow() time.Duration {
	min := 3 * time.Minute
	if g := 2 * r.cfg.UpdatePeriod; g > min {
		return g
	}
	return min
}

// tick runs one iteration of the control loop: acquire lock, read world,
// determine self, garbage-collect, reconcile local config, release lock.
// The lock is released on every exit path, including a panic, via a
// deferred recover that re-panics after releasing.
func (r *Reconciler) tick(parentCtx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(parentCtx, backendTimeout)
	defer cancel()

	// 1. Acquire lock.
	acquired, lockErr := r.client.AcquireLock(ctx, r.cfg.lockKey(), r.sessionID, lockWait)
	if lockErr != nil {
		return lockErr
	}
	if !acquired {
		return &kv.Error{Kind: kv.Transient, Op: "tick", Err: fmt.Errorf("lock %s not acquired", r.cfg.lockKey())}
	}

	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), backendTimeout)
		defer releaseCancel()
		if releaseErr := r.client.ReleaseLock(releaseCtx, r.cfg.lockKey(), r.sessionID); releaseErr != nil {
			slog.Warn("failed to release lock", "error", releaseErr)
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	check.Assert(acquired, "steps 2-5 must never run without holding the lock")

	// 2. Read world.
	peers, err := r.readPeers(ctx)
	if err != nil {
		return err
	}

	// 3. Determine self.
	if err := r.determineSelf(ctx, peers); err != nil {
		return err
	}

	// 4. Garbage-collect dead peers.
	if r.cfg.PeerTimeout > 0 {
		r.collectDead(ctx, peers)
	}

	// 5. Reconcile local config.
	return r.reconcileConfig(peers)
}

// readPeers lists the published peer set and parses each entry, skipping
// unparseable ones with a warning. It also updates firstSeen bookkeeping
// used by the grace window, and prunes peers no longer present.
func (r *Reconciler) readPeers(ctx context.Context) (map[wgtypes.Key]peer.Peer, error) {
	entries, err := r.client.List(ctx, r.cfg.peersKey())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	peers := make(map[wgtypes.Key]peer.Peer, len(entries))
	for _, e := range entries {
		p, err := peer.Parse(e.Value, r.cfg.Mesh)
		if err != nil {
			slog.Warn("skipping unparseable peer record", "key", e.Key, "error", err)
			continue
		}
		peers[p.PublicKey] = p
		if p.PublicKey != r.selfKey {
			if _, known := r.firstSeen[p.PublicKey]; !known {
				r.firstSeen[p.PublicKey] = now
			}
		}
	}

	for key := range r.firstSeen {
		if _, present := peers[key]; !present {
			delete(r.firstSeen, key)
		}
	}

	return peers, nil
}

// determineSelf ensures this node has a published, non-colliding peer
// record, allocating a fresh address if needed.
func (r *Reconciler) determineSelf(ctx context.Context, peers map[wgtypes.Key]peer.Peer) error {
	self, present := peers[r.selfKey]
	stale := present && r.netConfig.Address.IsValid() && addressClaimedByOther(peers, r.selfKey, r.netConfig.Address.Addr())

	if present && !stale {
		return nil
	}
	if stale {
		slog.Warn("self peer record collides with another peer's address, reallocating", "address", self.Address)
		if err := r.client.Delete(ctx, r.cfg.peerKey(r.selfKey.String())); err != nil {
			return err
		}
		delete(peers, r.selfKey)
	}

	var address netip.Addr
	switch {
	case r.cfg.FixedAddress.IsValid():
		if addressClaimedByOther(peers, r.selfKey, r.cfg.FixedAddress) {
			return &AddressInUseError{Address: r.cfg.FixedAddress}
		}
		address = r.cfg.FixedAddress
	case r.netConfig.Address.IsValid() && !stale:
		address = r.netConfig.Address.Addr()
	default:
		used := make(map[netip.Addr]struct{}, len(peers))
		for _, p := range peers {
			used[p.Address] = struct{}{}
		}
		allocated, err := ipam.Allocate(r.cfg.Mesh, used)
		if err != nil {
			return err
		}
		address = allocated
	}
	check.Assertf(!addressClaimedByOther(peers, r.selfKey, address), "allocated address %s already claimed by another peer", address)

	r.netConfig.Address = netip.PrefixFrom(address, r.cfg.Mesh.Bits())

	selfRecord := peer.Peer{
		PublicKey: r.selfKey,
		Endpoint:  r.cfg.Endpoint,
		Address:   address,
	}
	data, err := selfRecord.MarshalJSON()
	if err != nil {
		return err
	}
	if err := r.client.Put(ctx, r.cfg.peerKey(r.selfKey.String()), data, kv.OwnershipSession, r.sessionID); err != nil {
		return err
	}
	peers[r.selfKey] = selfRecord
	return nil
}

func addressClaimedByOther(peers map[wgtypes.Key]peer.Peer, self wgtypes.Key, addr netip.Addr) bool {
	for key, p := range peers {
		if key != self && p.Address == addr {
			return true
		}
	}
	return false
}

// collectDead deletes published records for peers this node has
// configured locally but that look dead: no recent handshake, past the
// grace window for newly-joined peers.
func (r *Reconciler) collectDead(ctx context.Context, peers map[wgtypes.Key]peer.Peer) {
	configured := make(map[wgtypes.Key]struct{}, len(r.netConfig.Peers))
	for _, p := range r.netConfig.Peers {
		configured[p.PublicKey] = struct{}{}
	}

	observed, err := r.observer.ObservePeers(r.cfg.Interface)
	if err != nil {
		slog.Warn("could not observe kernel peer state, skipping garbage collection this tick", "error", err)
		return
	}

	now := time.Now()
	grace := r.graceWindow()

	for key := range peers {
		if key == r.selfKey {
			continue
		}
		if _, isConfigured := configured[key]; !isConfigured {
			continue
		}

		status, wasObserved := observed[key]
		var dead bool
		switch {
		case !wasObserved || status.LastTx.IsZero():
			dead = now.Sub(r.firstSeen[key]) >= grace
		default:
			dead = now.Sub(status.LastTx) > r.cfg.PeerTimeout
		}
		if !dead {
			continue
		}

		if err := r.client.Delete(ctx, r.cfg.peerKey(key.String())); err != nil {
			slog.Warn("failed to delete dead peer record", "peer", key, "error", err)
			continue
		}
		slog.Info("garbage-collected dead peer", "peer", key, "last_tx", status.LastTx)
		delete(peers, key)
		delete(r.firstSeen, key)
	}
}

// reconcileConfig writes the local WireGuard config to cover every peer
// except self, and applies it.
func (r *Reconciler) reconcileConfig(peers map[wgtypes.Key]peer.Peer) error {
	configs := make([]netconfig.PeerConfig, 0, len(peers))
	for key, p := range peers {
		if key == r.selfKey {
			continue
		}
		configs = append(configs, netconfig.PeerConfig{
			PublicKey:  p.PublicKey,
			Endpoint:   p.Endpoint,
			AllowedIPs: p.AllowedIPs(),
		})
	}
	r.netConfig.Peers = configs

	return r.netConfig.Apply(r.cfg.NetworkdDir, r.reloader)
}
