package ipam

import (
	"errors"
	"net/netip"
	"testing"
)

func TestAllocate_LowestFree(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/29")
	got, err := Allocate(cidr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddr("10.0.0.1"); got != want {
		t.Errorf("Allocate() = %s, want %s", got, want)
	}
}

func TestAllocate_SkipsInUse(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/29")
	inUse := map[netip.Addr]struct{}{
		netip.MustParseAddr("10.0.0.1"): {},
		netip.MustParseAddr("10.0.0.2"): {},
	}
	got, err := Allocate(cidr, inUse)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddr("10.0.0.3"); got != want {
		t.Errorf("Allocate() = %s, want %s", got, want)
	}
}

func TestAllocate_SkipsNetworkAndBroadcast(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/30")
	inUse := map[netip.Addr]struct{}{
		netip.MustParseAddr("10.0.0.1"): {},
	}
	got, err := Allocate(cidr, inUse)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddr("10.0.0.2"); got != want {
		t.Errorf("Allocate() = %s, want %s", got, want)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/30")
	inUse := map[netip.Addr]struct{}{
		netip.MustParseAddr("10.0.0.1"): {},
		netip.MustParseAddr("10.0.0.2"): {},
	}
	_, err := Allocate(cidr, inUse)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Errorf("error = %v, want *ExhaustedError", err)
	}
}

func TestAllocate_IPv6(t *testing.T) {
	cidr := netip.MustParsePrefix("fc00::/126")
	got, err := Allocate(cidr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddr("fc00::1"); got != want {
		t.Errorf("Allocate() = %s, want %s", got, want)
	}
}

func TestValidate(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/29")

	cases := []struct {
		addr    string
		wantErr bool
	}{
		{"10.0.0.1", false},
		{"10.0.0.0", true}, // network address
		{"10.0.0.7", true}, // broadcast address
		{"10.0.1.1", true}, // outside cidr
	}
	for _, c := range cases {
		err := Validate(netip.MustParseAddr(c.addr), cidr)
		if (err != nil) != c.wantErr {
			t.Errorf("Validate(%s) error = %v, wantErr %v", c.addr, err, c.wantErr)
		}
	}
}

func FuzzAllocate(f *testing.F) {
	f.Add("10.210.0.0/24", uint8(3))
	f.Add("192.168.1.0/28", uint8(1))
	f.Add("fc00::/120", uint8(2))

	f.Fuzz(func(t *testing.T, cidrStr string, usedCount uint8) {
		cidr, err := netip.ParsePrefix(cidrStr)
		if err != nil {
			return
		}
		cidr = cidr.Masked()

		inUse := make(map[netip.Addr]struct{})
		addr := cidr.Addr()
		for i := uint8(0); i < usedCount && addr.IsValid() && cidr.Contains(addr); i++ {
			inUse[addr] = struct{}{}
			addr = addr.Next()
		}

		got, err := Allocate(cidr, inUse)
		if err != nil {
			return
		}

		if !cidr.Contains(got) {
			t.Errorf("result %s not within %s", got, cidr)
		}
		if _, used := inUse[got]; used {
			t.Errorf("result %s was already in use", got)
		}
		if err := Validate(got, cidr); err != nil {
			t.Errorf("allocated address failed validation: %v", err)
		}
	})
}
