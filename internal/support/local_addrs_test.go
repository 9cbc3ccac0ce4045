package support

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestLocalChecker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	calls := 0
	ifaces := []net.Addr{
		&net.IPNet{IP: net.ParseIP("192.0.2.1"), Mask: net.CIDRMask(24, 32)},
		&net.IPAddr{IP: net.ParseIP("2001:db8::1")},
	}
	checker := &LocalChecker{
		list: func() ([]net.Addr, error) {
			calls++
			return ifaces, nil
		},
		now: func() time.Time { return now },
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"192.0.2.1", true},
		{"::ffff:192.0.2.1", true},
		{"2001:db8::1", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"192.0.2.2", false},
	}
	for _, tt := range tests {
		if got := checker.IsLocal(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Fatalf("IsLocal(%s) returned %v, want %v", tt.addr, got, tt.want)
		}
	}
	if calls != 1 {
		t.Fatalf("interface list loaded %d times, want 1", calls)
	}

	ifaces = append(ifaces, &net.IPNet{IP: net.ParseIP("192.0.2.2"), Mask: net.CIDRMask(24, 32)})
	now = now.Add(2 * time.Minute)
	if !checker.IsLocal(netip.MustParseAddr("192.0.2.2")) {
		t.Fatal("IsLocal did not pick up a new interface address after refresh")
	}
}

func TestLocalCheckerListFailure(t *testing.T) {
	checker := &LocalChecker{
		list: func() ([]net.Addr, error) { return nil, errors.New("netlink down") },
		now:  time.Now,
	}
	if checker.IsLocal(netip.MustParseAddr("198.51.100.1")) {
		t.Fatal("IsLocal returned true without interface data")
	}
}
