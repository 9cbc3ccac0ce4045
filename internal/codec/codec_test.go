package codec

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"banhammer/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	instants := []int64{1, 60, 1_700_000_000, 2_000_000_000, math.MaxUint32 - 1, math.MaxUint32}
	for _, secs := range instants {
		want := time.Unix(secs, 0).UTC()
		v, err := Encode(At(want))
		if err != nil {
			t.Fatalf("Encode(%d) returned error: %v", secs, err)
		}
		got := Decode(v)
		if got.IsNever() {
			t.Fatalf("Decode(%d) returned never", v)
		}
		if !got.Time().Equal(want) {
			t.Fatalf("Decode(Encode(%d)) returned %s, want %s", secs, got.Time(), want)
		}
	}
}

func TestEncodeTruncatesSubSecond(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	v, err := Encode(At(base.Add(900 * time.Millisecond)))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if v != 1_700_000_000 {
		t.Fatalf("Encode returned %d, want 1700000000", v)
	}
}

func TestNeverSentinel(t *testing.T) {
	v, err := Encode(Never())
	if err != nil {
		t.Fatalf("Encode(Never) returned error: %v", err)
	}
	if v != NeverValue {
		t.Fatalf("Encode(Never) returned %d, want %d", v, NeverValue)
	}

	decoded := Decode(NeverValue)
	if !decoded.IsNever() {
		t.Fatal("Decode(NeverValue) should report never")
	}
	for _, now := range []time.Time{time.Unix(0, 0), time.Now(), MaxTime.Add(time.Hour)} {
		if decoded.Expired(now) {
			t.Fatalf("never-expiring entry reported expired at %s", now)
		}
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		kind ErrorKind
	}{
		{"epoch collides with sentinel", time.Unix(0, 0), BeforeEpoch},
		{"before epoch", time.Unix(-5, 0), BeforeEpoch},
		{"past value width", time.Unix(math.MaxUint32+1, 0), Overflow},
		{"far future", time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC), Overflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(At(tt.at))
			if err == nil {
				t.Fatalf("Encode(%s) returned nil error", tt.at)
			}
			if !IsKind(err, tt.kind) {
				t.Fatalf("Encode(%s) returned %v, want kind %s", tt.at, err, tt.kind)
			}
		})
	}
}

func TestAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if !After(now, 0).IsNever() {
		t.Fatal("After with zero duration should be never")
	}
	got := After(now, 10*time.Minute)
	if want := now.Add(10 * time.Minute); !got.Time().Equal(want) {
		t.Fatalf("After returned %s, want %s", got.Time(), want)
	}
}

func TestCheckDuration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if err := CheckDuration(now, time.Hour); err != nil {
		t.Fatalf("CheckDuration(1h) returned %v", err)
	}
	if err := CheckDuration(now, 0); err != nil {
		t.Fatalf("CheckDuration(0) returned %v", err)
	}
	if err := CheckDuration(now, 200*365*24*time.Hour); !IsKind(err, Overflow) {
		t.Fatalf("CheckDuration(200y) returned %v, want overflow", err)
	}
	if err := CheckDuration(now, -time.Second); err == nil {
		t.Fatal("CheckDuration with negative duration returned nil")
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		e    Expiry
		want bool
	}{
		{"ten seconds ago", At(now.Add(-10 * time.Second)), true},
		{"ten seconds ahead", At(now.Add(10 * time.Second)), false},
		{"exactly now", At(now), false},
		{"never", Never(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Expired(now); got != tt.want {
				t.Fatalf("Expired returned %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		raw    string
		family domain.Family
		size   int
		want   string
	}{
		{"192.0.2.10", domain.FamilyV4, 4, "192.0.2.10"},
		{"2001:db8::1", domain.FamilyV6, 16, "2001:db8::1"},
		{"::ffff:198.51.100.7", domain.FamilyV4, 4, "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			key, err := EncodeAddr(netip.MustParseAddr(tt.raw))
			if err != nil {
				t.Fatalf("EncodeAddr returned error: %v", err)
			}
			if key.Family != tt.family || len(key.Bytes) != tt.size {
				t.Fatalf("EncodeAddr returned family %s with %d bytes, want %s with %d", key.Family, len(key.Bytes), tt.family, tt.size)
			}
			addr, err := DecodeAddr(key.Family, key.Bytes)
			if err != nil {
				t.Fatalf("DecodeAddr returned error: %v", err)
			}
			if addr.String() != tt.want {
				t.Fatalf("DecodeAddr returned %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestDecodeAddrRejectsMismatch(t *testing.T) {
	if _, err := DecodeAddr(domain.FamilyV4, make([]byte, 16)); !IsKind(err, FamilyMismatch) {
		t.Fatalf("DecodeAddr(v4, 16 bytes) returned %v, want family mismatch", err)
	}
	if _, err := DecodeAddr(domain.FamilyV6, make([]byte, 4)); !IsKind(err, FamilyMismatch) {
		t.Fatalf("DecodeAddr(v6, 4 bytes) returned %v, want family mismatch", err)
	}
	mapped := netip.MustParseAddr("::ffff:192.0.2.1").As16()
	if _, err := DecodeAddr(domain.FamilyV6, mapped[:]); !IsKind(err, FamilyMismatch) {
		t.Fatalf("DecodeAddr(v6, mapped) returned %v, want family mismatch", err)
	}
}

func TestParseAddr(t *testing.T) {
	for _, raw := range []string{"", "example.com", "192.168.1", "192.168.1.256", "fe80::1%eth0"} {
		if _, err := ParseAddr(raw); !IsKind(err, BadAddress) {
			t.Fatalf("ParseAddr(%q) returned %v, want bad address", raw, err)
		}
	}
	if addr, err := ParseAddr("::ffff:10.1.2.3"); err != nil || addr.String() != "10.1.2.3" {
		t.Fatalf("ParseAddr returned %v, %v; want 10.1.2.3", addr, err)
	}
}
