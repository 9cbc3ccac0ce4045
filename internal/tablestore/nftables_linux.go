//go:build linux

package tablestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/nftables"
	"golang.org/x/sys/unix"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
)

// NftConfig selects the inet table holding the address maps.
type NftConfig struct {
	Table string
	// Create adds the table and maps on first use instead of reporting TableNotFound.
	Create bool
}

// NftStore keeps each table id as two nftables maps, bh<id>_v4
// (ipv4_addr : integer) and bh<id>_v6 (ipv6_addr : integer), inside one
// inet table. Firewall rules look addresses up with
// "ip saddr @bh1_v4" or "ip6 saddr @bh1_v6".
type NftStore struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	cfg    NftConfig
	table  *nftables.Table
	sets   map[string]*nftables.Set
	logger *log.Logger
}

func NewNftStore(cfg NftConfig, logger *log.Logger) (*NftStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("nftables: table name is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, newError(classifyErrno(err), 0, "connect", err)
	}
	return &NftStore{
		conn:   conn,
		cfg:    cfg,
		table:  &nftables.Table{Family: nftables.TableFamilyINet, Name: cfg.Table},
		sets:   make(map[string]*nftables.Set),
		logger: logger,
	}, nil
}

func setName(table domain.TableID, family domain.Family) string {
	return fmt.Sprintf("bh%d_%s", table, family)
}

// set looks up the map for table and family, creating it when create is set
// and the store is configured to.
func (n *NftStore) set(table domain.TableID, family domain.Family, op string, create bool) (*nftables.Set, error) {
	name := setName(table, family)
	if s, ok := n.sets[name]; ok {
		return s, nil
	}

	s, err := n.conn.GetSetByName(n.table, name)
	if err == nil {
		n.sets[name] = s
		return s, nil
	}
	kind := classifyErrno(err)
	if kind != TableNotFound {
		return nil, newError(kind, table, op, err)
	}
	if !create || !n.cfg.Create {
		return nil, newError(TableNotFound, table, op, fmt.Errorf("map %s not found in inet %s: %w", name, n.cfg.Table, err))
	}

	keyType := nftables.TypeIPAddr
	if family == domain.FamilyV6 {
		keyType = nftables.TypeIP6Addr
	}
	s = &nftables.Set{
		Table:    n.table,
		Name:     name,
		IsMap:    true,
		KeyType:  keyType,
		DataType: nftables.TypeInteger,
	}
	n.conn.AddTable(n.table)
	if err := n.conn.AddSet(s, nil); err != nil {
		return nil, newError(TransportFailure, table, op, err)
	}
	if err := n.conn.Flush(); err != nil {
		return nil, newError(classifyErrno(err), table, op, fmt.Errorf("create map %s: %w", name, err))
	}
	n.logger.Info("created nftables map", "table", n.cfg.Table, "map", name)
	n.sets[name] = s
	return s, nil
}

func element(key codec.Key, value uint32) nftables.SetElement {
	val := make([]byte, 4)
	binary.NativeEndian.PutUint32(val, value)
	return nftables.SetElement{Key: key.Bytes, Val: val}
}

func (n *NftStore) Upsert(_ context.Context, table domain.TableID, addr netip.Addr, value uint32) error {
	key, err := codec.EncodeAddr(addr)
	if err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.set(table, key.Family, "upsert", true)
	if err != nil {
		return err
	}
	elem := []nftables.SetElement{element(key, value)}

	if err := n.conn.SetAddElements(s, elem); err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	err = n.conn.Flush()
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) && !errors.Is(err, unix.EBUSY) {
		return newError(classifyErrno(err), table, "upsert", err)
	}

	// The key exists with another value. Replace it in one transaction.
	if err := n.conn.SetDeleteElements(s, elem); err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	if err := n.conn.SetAddElements(s, elem); err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	err = n.conn.Flush()
	if errors.Is(err, unix.ENOENT) {
		// Removed concurrently between the two flushes.
		if err := n.conn.SetAddElements(s, elem); err != nil {
			return newError(TransportFailure, table, "upsert", err)
		}
		err = n.conn.Flush()
	}
	if err != nil {
		return newError(classifyErrno(err), table, "upsert", err)
	}
	return nil
}

func (n *NftStore) Remove(_ context.Context, table domain.TableID, addr netip.Addr) error {
	key, err := codec.EncodeAddr(addr)
	if err != nil {
		return newError(TransportFailure, table, "remove", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.set(table, key.Family, "remove", false)
	if err != nil {
		return err
	}
	if err := n.conn.SetDeleteElements(s, []nftables.SetElement{{Key: key.Bytes}}); err != nil {
		return newError(TransportFailure, table, "remove", err)
	}
	if err := n.conn.Flush(); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return newError(classifyErrno(err), table, "remove", err)
	}
	return nil
}

// Enumerate never creates maps. A family whose map is missing is empty.
func (n *NftStore) Enumerate(_ context.Context, table domain.TableID) ([]Record, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.collect(table, func(family domain.Family) (string, []nftables.SetElement, error) {
		s, err := n.set(table, family, "enumerate", false)
		if err != nil {
			return "", nil, err
		}
		elems, err := n.conn.GetSetElements(s)
		if err != nil {
			return s.Name, nil, newError(classifyErrno(err), table, "enumerate", err)
		}
		return s.Name, elems, nil
	})
}

// collect merges both family maps of table. The table is reported missing
// only when neither map exists and the store would not create them.
func (n *NftStore) collect(table domain.TableID, elements func(domain.Family) (string, []nftables.SetElement, error)) ([]Record, error) {
	var (
		records []Record
		missing error
		found   bool
	)
	for _, family := range []domain.Family{domain.FamilyV4, domain.FamilyV6} {
		name, elems, err := elements(family)
		if IsKind(err, TableNotFound) {
			if missing == nil {
				missing = err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		records = append(records, n.decode(name, family, elems)...)
	}
	if !found && !n.cfg.Create {
		return nil, missing
	}
	sortRecords(records)
	return records, nil
}

func (n *NftStore) decode(name string, family domain.Family, elems []nftables.SetElement) []Record {
	records := make([]Record, 0, len(elems))
	for _, elem := range elems {
		addr, err := codec.DecodeAddr(family, elem.Key)
		if err != nil {
			n.logger.Warn("skipping malformed map element", "map", name, "error", err)
			continue
		}
		if len(elem.Val) < 4 {
			n.logger.Warn("skipping malformed map element", "map", name, "address", addr, "value_bytes", len(elem.Val))
			continue
		}
		records = append(records, Record{Address: addr, Value: binary.NativeEndian.Uint32(elem.Val)})
	}
	return records
}

func (n *NftStore) Close() error {
	return nil
}

// classifyErrno maps netlink errors onto table error kinds.
func classifyErrno(err error) ErrorKind {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return PermissionDenied
	case errors.Is(err, unix.ENOENT):
		return TableNotFound
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return Unsupported
	default:
		return TransportFailure
	}
}
