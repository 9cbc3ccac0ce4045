// Package tablestore is the boundary to the address tables shared by the
// writer and the sweeper. A table maps addresses to a 32-bit value holding
// the encoded expiration. Implementations must make each single-entry
// operation atomic; callers rely on nothing else.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
)

// Record is one (address, value) pair in an enumeration snapshot.
type Record struct {
	Address netip.Addr
	Value   uint32
}

// Entry decodes the record for table.
func (r Record) Entry(table domain.TableID) domain.Entry {
	expiry := codec.Decode(r.Value)
	return domain.Entry{
		Table:     table,
		Address:   r.Address,
		Value:     r.Value,
		ExpiresAt: expiry.Time(),
		Never:     expiry.IsNever(),
	}
}

// Store is implemented by every table backend.
type Store interface {
	// Upsert inserts addr or overwrites its value.
	Upsert(ctx context.Context, table domain.TableID, addr netip.Addr, value uint32) error
	// Remove deletes addr. Removing an absent address succeeds.
	Remove(ctx context.Context, table domain.TableID, addr netip.Addr) error
	// Enumerate returns a point-in-time snapshot of the table.
	Enumerate(ctx context.Context, table domain.TableID) ([]Record, error)
	Close() error
}

type ErrorKind int

const (
	PermissionDenied ErrorKind = iota + 1
	TableNotFound
	TransportFailure
	Unsupported
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case TableNotFound:
		return "table not found"
	case TransportFailure:
		return "transport failure"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// TableError is returned by every Store operation that fails.
type TableError struct {
	Kind  ErrorKind
	Table domain.TableID
	Op    string
	Err   error
}

func (e *TableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table %s: %s: %s: %v", e.Table, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("table %s: %s: %s", e.Table, e.Op, e.Kind)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, table domain.TableID, op string, err error) *TableError {
	return &TableError{Kind: kind, Table: table, Op: op, Err: err}
}

// KindOf returns the kind of a TableError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var te *TableError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsKind reports whether err carries a TableError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err makes the table unusable as a whole, as
// opposed to a failure limited to one call.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case PermissionDenied, TableNotFound:
		return true
	default:
		return false
	}
}
