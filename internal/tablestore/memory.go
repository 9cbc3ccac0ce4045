package tablestore

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"

	"banhammer/internal/domain"
)

// MemoryStore keeps tables in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	tables    map[domain.TableID]map[netip.Addr]uint32
	fixed     bool
	allowIPv6 bool
}

type MemoryOption func(*MemoryStore)

// WithoutIPv6 makes the store reject 16-byte addresses as Unsupported.
func WithoutIPv6() MemoryOption {
	return func(m *MemoryStore) {
		m.allowIPv6 = false
	}
}

// WithTables restricts the store to the given tables. Any other table
// reports TableNotFound.
func WithTables(tables ...domain.TableID) MemoryOption {
	return func(m *MemoryStore) {
		m.fixed = true
		for _, t := range tables {
			if _, ok := m.tables[t]; !ok {
				m.tables[t] = make(map[netip.Addr]uint32)
			}
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tables:    make(map[domain.TableID]map[netip.Addr]uint32),
		allowIPv6: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) table(table domain.TableID, op string, create bool) (map[netip.Addr]uint32, error) {
	entries, ok := m.tables[table]
	if ok {
		return entries, nil
	}
	if m.fixed {
		return nil, newError(TableNotFound, table, op, nil)
	}
	if !create {
		return nil, nil
	}
	entries = make(map[netip.Addr]uint32)
	m.tables[table] = entries
	return entries, nil
}

func (m *MemoryStore) checkAddr(table domain.TableID, op string, addr netip.Addr) (netip.Addr, error) {
	if !addr.IsValid() {
		return addr, newError(TransportFailure, table, op, errors.New("invalid address"))
	}
	addr = addr.Unmap()
	if addr.Is6() && !m.allowIPv6 {
		return addr, newError(Unsupported, table, op, errors.New("ipv6 tables are disabled"))
	}
	return addr, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, table domain.TableID, addr netip.Addr, value uint32) error {
	if err := ctx.Err(); err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	addr, err := m.checkAddr(table, "upsert", addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.table(table, "upsert", true)
	if err != nil {
		return err
	}
	entries[addr] = value
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, table domain.TableID, addr netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return newError(TransportFailure, table, "remove", err)
	}
	addr, err := m.checkAddr(table, "remove", addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.table(table, "remove", false)
	if err != nil {
		return err
	}
	delete(entries, addr)
	return nil
}

func (m *MemoryStore) Enumerate(ctx context.Context, table domain.TableID) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(TransportFailure, table, "enumerate", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.table(table, "enumerate", false)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for addr, value := range entries {
		records = append(records, Record{Address: addr, Value: value})
	}
	sortRecords(records)
	return records, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address.Less(records[j].Address)
	})
}
