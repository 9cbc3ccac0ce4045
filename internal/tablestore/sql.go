package tablestore

import (
	"context"
	"errors"
	"net/netip"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
)

// SQLStore keeps tables as rows of ban_entries, unique on (table_id, address).
type SQLStore struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewSQLStore(db *gorm.DB, logger *log.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql store: database not initialised")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SQLStore{db: db, logger: logger}, nil
}

func (s *SQLStore) Upsert(ctx context.Context, table domain.TableID, addr netip.Addr, value uint32) error {
	key, err := codec.EncodeAddr(addr)
	if err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	row := domain.BanEntry{
		TableID: uint16(table),
		Family:  uint8(key.Family),
		Address: addr.Unmap().String(),
		Value:   value,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "table_id"}, {Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, table domain.TableID, addr netip.Addr) error {
	if !addr.IsValid() {
		return newError(TransportFailure, table, "remove", errors.New("invalid address"))
	}
	err := s.db.WithContext(ctx).
		Where("table_id = ? AND address = ?", uint16(table), addr.Unmap().String()).
		Delete(&domain.BanEntry{}).Error
	if err != nil {
		return newError(TransportFailure, table, "remove", err)
	}
	return nil
}

func (s *SQLStore) Enumerate(ctx context.Context, table domain.TableID) ([]Record, error) {
	var rows []domain.BanEntry
	err := s.db.WithContext(ctx).
		Where("table_id = ?", uint16(table)).
		Find(&rows).Error
	if err != nil {
		return nil, newError(TransportFailure, table, "enumerate", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		addr, err := codec.ParseAddr(row.Address)
		if err != nil {
			s.logger.Warn("skipping malformed ban entry", "id", row.ID, "address", row.Address, "error", err)
			continue
		}
		if domain.FamilyOf(addr) != domain.Family(row.Family) {
			s.logger.Warn("skipping ban entry with wrong family", "id", row.ID, "address", row.Address, "family", row.Family)
			continue
		}
		records = append(records, Record{Address: addr, Value: row.Value})
	}
	sortRecords(records)
	return records, nil
}

// Close leaves the connection open; it belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}
