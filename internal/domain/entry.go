package domain

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// TableID identifies a firewall address table. Zero is never a valid table.
type TableID uint16

func (t TableID) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseTableID parses a positive table number.
func ParseTableID(raw string) (TableID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid table id %q: %w", raw, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid table id %q: must be positive", raw)
	}
	return TableID(n), nil
}

// ParseTableList parses a comma separated list of table numbers, dropping duplicates.
func ParseTableList(raw string) ([]TableID, error) {
	var tables []TableID
	seen := make(map[TableID]struct{})
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := ParseTableID(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		tables = append(tables, id)
	}
	return tables, nil
}

// Family distinguishes 4-byte and 16-byte address keys.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "unknown"
	}
}

// FamilyOf reports the key family for addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// Entry is one banned address as read back from a table.
type Entry struct {
	Table   TableID
	Address netip.Addr
	// Value is the raw table value; ExpiresAt and Never are its decoded form.
	Value     uint32
	ExpiresAt time.Time
	Never     bool
}

func (e Entry) String() string {
	if e.Never {
		return fmt.Sprintf("%s@%s (never)", e.Address, e.Table)
	}
	return fmt.Sprintf("%s@%s (%s)", e.Address, e.Table, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// PendingInsert is produced by the rule engine for one matched line.
type PendingInsert struct {
	Rule      string
	Table     TableID
	Address   netip.Addr
	ExpiresAt time.Time
	Never     bool
	Duration  time.Duration
}

// Key returns the (table, address) identity used for upserts.
func (p PendingInsert) Key() EntryKey {
	return EntryKey{Table: p.Table, Address: p.Address.Unmap()}
}

// EntryKey identifies a table entry.
type EntryKey struct {
	Table   TableID
	Address netip.Addr
}
