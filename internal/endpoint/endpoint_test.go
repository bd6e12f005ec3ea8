package endpoint

import (
	"net/netip"
	"testing"
)

func TestResolveInterface_UnknownInterface(t *testing.T) {
	_, err := ResolveInterface("wiresmith-does-not-exist-0", netip.MustParseAddr("10.0.0.1"))
	if err == nil {
		t.Fatal("expected error for unknown interface")
	}
}

func TestIsGlobalUnicast(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
		{"fc00::1", true},
		{"fe80::1", false},
	}
	for _, c := range cases {
		got := isGlobalUnicast(netip.MustParseAddr(c.addr))
		if got != c.want {
			t.Errorf("isGlobalUnicast(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}
