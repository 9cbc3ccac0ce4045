package codec

import (
	"fmt"
	"net/netip"

	"banhammer/internal/domain"
)

// Key is the binary form of an address as stored in a table key.
type Key struct {
	Family domain.Family
	Bytes  []byte
}

// EncodeAddr converts addr into a 4-byte or 16-byte key. IPv4-mapped IPv6
// addresses are stored as IPv4 so the two families never hold the same host.
func EncodeAddr(addr netip.Addr) (Key, error) {
	if !addr.IsValid() {
		return Key{}, &Error{Kind: BadAddress, Detail: "invalid address"}
	}
	if addr.Zone() != "" {
		return Key{}, &Error{Kind: BadAddress, Detail: fmt.Sprintf("zoned address %s", addr)}
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return Key{Family: domain.FamilyV4, Bytes: b[:]}, nil
	}
	b := addr.As16()
	return Key{Family: domain.FamilyV6, Bytes: b[:]}, nil
}

// DecodeAddr converts a key back into an address, checking that the byte
// length matches the family.
func DecodeAddr(family domain.Family, b []byte) (netip.Addr, error) {
	switch family {
	case domain.FamilyV4:
		if len(b) != 4 {
			return netip.Addr{}, &Error{Kind: FamilyMismatch, Detail: fmt.Sprintf("ipv4 key with %d bytes", len(b))}
		}
		return netip.AddrFrom4([4]byte(b)), nil
	case domain.FamilyV6:
		if len(b) != 16 {
			return netip.Addr{}, &Error{Kind: FamilyMismatch, Detail: fmt.Sprintf("ipv6 key with %d bytes", len(b))}
		}
		addr := netip.AddrFrom16([16]byte(b))
		if addr.Is4In6() {
			return netip.Addr{}, &Error{Kind: FamilyMismatch, Detail: fmt.Sprintf("ipv4-mapped key %s in ipv6 table", addr)}
		}
		return addr, nil
	default:
		return netip.Addr{}, &Error{Kind: FamilyMismatch, Detail: fmt.Sprintf("unknown family %d", family)}
	}
}

// ParseAddr validates a captured address literal.
func ParseAddr(raw string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, &Error{Kind: BadAddress, Detail: err.Error()}
	}
	if addr.Zone() != "" {
		return netip.Addr{}, &Error{Kind: BadAddress, Detail: fmt.Sprintf("zoned address %s", raw)}
	}
	return addr.Unmap(), nil
}
