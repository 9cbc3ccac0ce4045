package domain

import "time"

// BanEntry is the row layout used by the SQL table store.
type BanEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	TableID uint16 `gorm:"not null;uniqueIndex:idx_ban_entries_table_address,priority:1"`
	Family  uint8  `gorm:"not null"`

	// Address holds the canonical textual form (e.g. 192.0.2.1, 2001:db8::1).
	Address string `gorm:"size:45;not null;uniqueIndex:idx_ban_entries_table_address,priority:2"`

	// Value is the encoded expiration; 0 means the entry never expires.
	Value uint32 `gorm:"not null"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (BanEntry) TableName() string {
	return "ban_entries"
}
