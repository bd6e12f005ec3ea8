package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wiresmith/internal/buildinfo"
	"wiresmith/internal/endpoint"
	"wiresmith/internal/kv/consulkv"
	"wiresmith/internal/logging"
	"wiresmith/internal/netconfig"
	"wiresmith/internal/peer"
	"wiresmith/internal/reconcile"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		// RunE sets SilenceUsage once flag parsing and required-flag
		// validation have both succeeded, so an error surfacing with it
		// still false came from cobra itself (unknown flag, missing
		// required flag, bad arg) rather than from the reconciler.
		if !cmd.SilenceUsage {
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(2)
		}
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	network           string
	consulAddress     string
	consulToken       string
	consulPrefix      string
	consulDatacenter  string
	updatePeriod      time.Duration
	wgInterface       string
	wgPort            uint16
	peerTimeout       time.Duration
	endpointInterface string
	endpointAddress   string
	networkBackend    string
	networkdDir       string
	address           string
	verbose           bool
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "wiresmith",
		Short:         "Self-organizing WireGuard mesh agent",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if f.verbose {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// From here on, any error is an application-level failure
			// (fatal config, KV backend, reconciler), not a usage error.
			cmd.SilenceUsage = true

			cfg, err := f.toReconcileConfig()
			if err != nil {
				return err
			}

			client, err := consulkv.New(f.consulAddress, f.consulToken, f.consulDatacenter)
			if err != nil {
				return fmt.Errorf("configure KV backend: %w", err)
			}

			reloader := netconfig.NewReloader()
			observer := netconfig.NewObserver()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return reconcile.New(cfg, client, reloader, observer).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&f.network, "network", "", "mesh CIDR (required)")
	cmd.Flags().StringVar(&f.consulAddress, "consul-address", "http://127.0.0.1:8500", "HTTP base URL of KV backend")
	cmd.Flags().StringVar(&f.consulToken, "consul-token", "", "bearer token for KV backend")
	cmd.Flags().StringVar(&f.consulPrefix, "consul-prefix", "wiresmith", "KV key prefix")
	cmd.Flags().StringVar(&f.consulDatacenter, "consul-datacenter", "", "KV datacenter selector")
	cmd.Flags().DurationVarP(&f.updatePeriod, "update-period", "u", 10*time.Second, "tick interval")
	cmd.Flags().StringVarP(&f.wgInterface, "wg-interface", "i", "wg0", "WireGuard interface name")
	cmd.Flags().Uint16VarP(&f.wgPort, "wg-port", "p", 51820, "WireGuard UDP port")
	cmd.Flags().DurationVarP(&f.peerTimeout, "peer-timeout", "t", 10*time.Minute, "stale-peer horizon; 0 disables garbage collection")
	cmd.Flags().StringVar(&f.endpointInterface, "endpoint-interface", "", "network interface to resolve this node's public endpoint from")
	cmd.Flags().StringVar(&f.endpointAddress, "endpoint-address", "", "literal host:port this node is reachable at")
	cmd.Flags().StringVar(&f.networkBackend, "network-backend", "networkd", "host networking backend (only \"networkd\" is supported today)")
	cmd.Flags().StringVar(&f.networkdDir, "networkd-dir", "/etc/systemd/network/", "directory for generated network config")
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "optional fixed mesh address")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	_ = cmd.MarkFlagRequired("network")

	return cmd
}

// toReconcileConfig validates and translates the parsed flags into a
// reconcile.Config, applying the fatal-error cases from spec.md §7 that the
// CLI layer itself is responsible for catching before any backend is
// touched: malformed CIDR, both-or-neither endpoint selection, and an
// unsupported network backend.
func (f flags) toReconcileConfig() (reconcile.Config, error) {
	mesh, err := netip.ParsePrefix(f.network)
	if err != nil {
		return reconcile.Config{}, fmt.Errorf("--network: %w", err)
	}

	if f.networkBackend != "networkd" {
		return reconcile.Config{}, fmt.Errorf("--network-backend: unsupported backend %q", f.networkBackend)
	}

	if (f.endpointInterface == "") == (f.endpointAddress == "") {
		return reconcile.Config{}, fmt.Errorf("exactly one of --endpoint-interface or --endpoint-address is required")
	}

	ep, err := f.resolveEndpoint(mesh)
	if err != nil {
		return reconcile.Config{}, err
	}

	var fixedAddress netip.Addr
	if f.address != "" {
		fixedAddress, err = netip.ParseAddr(f.address)
		if err != nil {
			return reconcile.Config{}, fmt.Errorf("--address: %w", err)
		}
	}

	return reconcile.Config{
		Prefix:       f.consulPrefix,
		Mesh:         mesh,
		UpdatePeriod: f.updatePeriod,
		PeerTimeout:  f.peerTimeout,
		Interface:    f.wgInterface,
		Port:         f.wgPort,
		NetworkdDir:  f.networkdDir,
		Endpoint:     ep,
		FixedAddress: fixedAddress,
	}, nil
}

func (f flags) resolveEndpoint(mesh netip.Prefix) (peer.Endpoint, error) {
	if f.endpointAddress != "" {
		return peer.ParseEndpoint(f.endpointAddress)
	}

	addr, err := endpoint.ResolveInterface(f.endpointInterface, mesh.Addr())
	if err != nil {
		return peer.Endpoint{}, fmt.Errorf("resolve endpoint from %s: %w", f.endpointInterface, err)
	}
	return peer.Endpoint{Host: addr.String(), Port: f.wgPort}, nil
}
