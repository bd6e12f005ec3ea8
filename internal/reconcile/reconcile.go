// Package reconcile drives the control loop that keeps one node's
// WireGuard mesh membership and local config converged with the cluster's
// KV-published peer set.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wiresmith/internal/ipam"
	"wiresmith/internal/kv"
	"wiresmith/internal/netconfig"
	"wiresmith/internal/peer"
)

const (
	sessionTTL     = 15 * time.Second
	lockWait       = 15 * time.Second
	backendTimeout = 15 * time.Second
)

// AddressInUseError means an operator-supplied fixed address is already
// claimed by a different peer. It is fatal.
type AddressInUseError struct {
	Address netip.Addr
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("address %s is already in use by another peer", e.Address)
}

// Config holds everything the reconciler needs that doesn't change across
// the process lifetime. It corresponds directly to the CLI flags in
// spec.md §6.
type Config struct {
	Prefix       string
	Mesh         netip.Prefix
	UpdatePeriod time.Duration
	PeerTimeout  time.Duration // 0 disables garbage collection
	Interface    string
	Port         uint16
	NetworkdDir  string
	Endpoint     peer.Endpoint
	// FixedAddress, if valid, bypasses allocation and is validated against
	// Mesh and against other peers' published addresses.
	FixedAddress netip.Addr
}

func (c Config) lockKey() string         { return c.Prefix + "/.lock" }
func (c Config) peersKey() string        { return c.Prefix + "/peers/" }
func (c Config) peerKey(k string) string { return c.Prefix + "/peers/" + k }

// Reconciler owns one node's participation in the mesh: the reconcile loop,
// its KV session, and the local WireGuard config file.
type Reconciler struct {
	cfg      Config
	client   kv.Client
	reloader netconfig.Reloader
	observer netconfig.Observer

	mu    sync.Mutex
	phase Phase

	sessionID string
	netConfig *netconfig.Config
	selfKey   wgtypes.Key

	firstSeen map[wgtypes.Key]time.Time
}

// New builds a Reconciler. It does not touch the KV backend or the
// filesystem until Run is called.
func New(cfg Config, client kv.Client, reloader netconfig.Reloader, observer netconfig.Observer) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		client:    client,
		reloader:  reloader,
		observer:  observer,
		phase:     PhaseInit,
		firstSeen: make(map[wgtypes.Key]time.Time),
	}
}

// Phase reports the reconciler's current lifecycle phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// init loads or creates the local WireGuard config and opens a KV session.
// The mesh address is left unset if FixedAddress wasn't given and no prior
// config exists — the first tick allocates it.
func (r *Reconciler) init(ctx context.Context) error {
	netCfg, err := netconfig.Load(r.cfg.NetworkdDir, r.cfg.Interface, r.cfg.Mesh)
	switch {
	case err == nil:
		// Existing config is authoritative for address and key pair.
	case os.IsNotExist(err):
		address := r.cfg.Mesh
		if r.cfg.FixedAddress.IsValid() {
			if verr := ipam.Validate(r.cfg.FixedAddress, r.cfg.Mesh); verr != nil {
				return fmt.Errorf("fixed address invalid: %w", verr)
			}
			address = netip.PrefixFrom(r.cfg.FixedAddress, r.cfg.Mesh.Bits())
		} else {
			address = netip.Prefix{} // unset: allocated on the first tick
		}
		netCfg, err = netconfig.New(r.cfg.Interface, address, r.cfg.Port)
		if err != nil {
			return fmt.Errorf("create local config: %w", err)
		}
	default:
		return err
	}
	r.netConfig = netCfg
	r.selfKey = netCfg.PrivateKey.PublicKey()

	name, _ := os.Hostname()
	if name == "" {
		name = r.selfKey.String()
	}
	// uuid suffix distinguishes sessions across process restarts on the
	// same host, so an operator reading `consul operator session list`
	// after a crash-and-restart isn't staring at two identically-named
	// sessions.
	sessionName := fmt.Sprintf("wiresmith-%s-%s", name, uuid.NewString())

	createCtx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()
	sessionID, err := r.client.CreateSession(createCtx, sessionTTL, sessionName)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.sessionID = sessionID

	r.setPhase(PhaseRunning)
	return nil
}

// Run blocks until ctx is cancelled, ticking the reconcile loop at
// cfg.UpdatePeriod. A fatal error (bad config, address collision) returns
// immediately; transient errors are logged and the loop continues.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ticker := time.NewTicker(r.cfg.UpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.setPhase(PhaseShuttingDown)
			r.shutdown()
			r.setPhase(PhaseStopped)
			return nil
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				if ctx.Err() != nil {
					// Cancelled mid-tick: the next select runs shutdown.
					continue
				}
				if isRecoverable(err) {
					slog.Warn("tick failed, will retry next period", "error", err)
					continue
				}
				slog.Error("tick failed fatally", "error", err)
				r.setPhase(PhaseStopped)
				return err
			}
		}
	}
}

func isRecoverable(err error) bool {
	if kv.IsTransient(err) {
		return true
	}
	var exhausted *ipam.ExhaustedError
	return errors.As(err, &exhausted)
}

// shutdown runs the best-effort leave sequence: acquire the lock, delete
// our own peer record, release, destroy the session. It always uses a
// fresh background context since ctx may already be cancelled.
func (r *Reconciler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait+backendTimeout)
	defer cancel()

	ok, err := r.client.AcquireLock(ctx, r.cfg.lockKey(), r.sessionID, lockWait)
	if err != nil {
		slog.Warn("shutdown: failed to acquire lock, deleting peer record anyway", "error", err)
	}

	if err := r.client.Delete(ctx, r.cfg.peerKey(r.selfKey.String())); err != nil {
		slog.Warn("shutdown: failed to delete self peer record", "error", err)
	}

	if ok {
		if err := r.client.ReleaseLock(ctx, r.cfg.lockKey(), r.sessionID); err != nil {
			slog.Warn("shutdown: failed to release lock", "error", err)
		}
	}

	if err := r.client.DestroySession(ctx, r.sessionID); err != nil {
		slog.Warn("shutdown: failed to destroy session", "error", err)
	}
}
