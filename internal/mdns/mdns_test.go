package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry(`iiod\ on\ pluto`, Service, "local.")
	e.HostName = "pluto.local."
	e.Port = 30431
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.2.1")}
	e.Text = []string{"txtvers=1"}

	h := fromEntry(e)
	if h.Instance != "iiod on pluto" {
		t.Fatalf("instance not unescaped: %q", h.Instance)
	}
	if got := h.Addr(); got != "192.168.2.1:30431" {
		t.Fatalf("expected IPv4 address, got %q", got)
	}
	if len(h.TXT) != 1 {
		t.Fatalf("expected TXT records to be copied")
	}
}

func TestHostAddrFallbacks(t *testing.T) {
	h := Host{Hostname: "pluto.local.", Port: 30431}
	if got := h.Addr(); got != "pluto.local:30431" {
		t.Fatalf("expected hostname fallback, got %q", got)
	}
	h.Addresses = []net.IP{net.ParseIP("fe80::1")}
	if got := h.Addr(); got != "[fe80::1]:30431" {
		t.Fatalf("expected IPv6 address, got %q", got)
	}
}
