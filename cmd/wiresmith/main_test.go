package main

import (
	"bytes"
	"testing"
	"time"
)

func validFlags() flags {
	return flags{
		network:         "10.0.0.0/24",
		consulPrefix:    "wiresmith",
		updatePeriod:    10 * time.Second,
		wgInterface:     "wg0",
		wgPort:          51820,
		peerTimeout:     10 * time.Minute,
		endpointAddress: "203.0.113.9:51820",
		networkBackend:  "networkd",
		networkdDir:     "/etc/systemd/network/",
	}
}

func TestToReconcileConfig_Valid(t *testing.T) {
	cfg, err := validFlags().toReconcileConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mesh.String() != "10.0.0.0/24" {
		t.Errorf("mesh = %s", cfg.Mesh)
	}
	if cfg.Endpoint.Host != "203.0.113.9" {
		t.Errorf("endpoint host = %s", cfg.Endpoint.Host)
	}
}

func TestToReconcileConfig_RejectsBadCIDR(t *testing.T) {
	f := validFlags()
	f.network = "not-a-cidr"
	if _, err := f.toReconcileConfig(); err == nil {
		t.Fatal("expected an error for a malformed CIDR")
	}
}

func TestToReconcileConfig_RejectsUnsupportedBackend(t *testing.T) {
	f := validFlags()
	f.networkBackend = "iproute2"
	if _, err := f.toReconcileConfig(); err == nil {
		t.Fatal("expected an error for an unsupported network backend")
	}
}

func TestToReconcileConfig_RejectsNeitherEndpointOption(t *testing.T) {
	f := validFlags()
	f.endpointAddress = ""
	if _, err := f.toReconcileConfig(); err == nil {
		t.Fatal("expected an error when neither endpoint option is set")
	}
}

func TestToReconcileConfig_RejectsBothEndpointOptions(t *testing.T) {
	f := validFlags()
	f.endpointInterface = "eth0"
	if _, err := f.toReconcileConfig(); err == nil {
		t.Fatal("expected an error when both endpoint options are set")
	}
}

func TestToReconcileConfig_FixedAddress(t *testing.T) {
	f := validFlags()
	f.address = "10.0.0.7"
	cfg, err := f.toReconcileConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FixedAddress.String() != "10.0.0.7" {
		t.Errorf("fixed address = %s", cfg.FixedAddress)
	}
}

func TestToReconcileConfig_RejectsBadFixedAddress(t *testing.T) {
	f := validFlags()
	f.address = "not-an-ip"
	if _, err := f.toReconcileConfig(); err == nil {
		t.Fatal("expected an error for a malformed fixed address")
	}
}

// TestExecute_UsageErrorLeavesSilenceUsageFalse exercises the exit-code
// classification relied on by main(): a missing required flag never reaches
// RunE, so SilenceUsage stays false and main() must map it to exit code 2.
func TestExecute_UsageErrorLeavesSilenceUsageFalse(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--endpoint-address", "203.0.113.9:51820"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for a missing required --network flag")
	}
	if cmd.SilenceUsage {
		t.Error("SilenceUsage should remain false for a usage error, so main() exits 2")
	}
}

// TestExecute_ApplicationErrorSetsSilenceUsage exercises the other half of
// that classification: once flag parsing and validation succeed, RunE marks
// SilenceUsage true before doing anything else, so any failure past that
// point (here, an unparseable --consul-address) maps to exit code 1, not 2.
func TestExecute_ApplicationErrorSetsSilenceUsage(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"--network", "10.0.0.0/24",
		"--endpoint-address", "203.0.113.9:51820",
		"--consul-address", "http://example.com\n",
	})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for a malformed --consul-address")
	}
	if !cmd.SilenceUsage {
		t.Error("SilenceUsage should be true once RunE has started, so main() exits 1")
	}
}
